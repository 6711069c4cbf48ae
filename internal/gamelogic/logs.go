package gamelogic

import (
	"fmt"
	"math/rand"
	"time"
)

var maliciousLogs = []string{
	"Never interrupt your enemy when he is making a mistake.",
	"The hardest thing of all for a soldier is to retreat.",
	"A soldier will fight long and hard for a bit of colored ribbon.",
	"It is well that war is so terrible, otherwise we should grow too fond of it.",
	"The art of war is simple enough. Find out where your enemy is. Get at him as soon as you can. Strike him as hard as you can, and keep moving on.",
	"All warfare is based on deception.",
}

// GetMaliciousLog returns a random canned log line used by the spam command
func GetMaliciousLog() string {
	return maliciousLogs[rand.Intn(len(maliciousLogs))]
}

// WarLog builds the log entry for a resolved war
func WarLog(username string, outcome WarOutcome, winner, loser string, now time.Time) GameLog {
	msg := fmt.Sprintf("%s won a war against %s", winner, loser)
	if outcome == WarOutcomeDraw {
		msg = fmt.Sprintf("A war between %s and %s resulted in a draw", winner, loser)
	}
	return GameLog{
		CurrentTime: now,
		Message:     msg,
		Username:    username,
	}
}
