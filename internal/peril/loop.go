package peril

import (
	"bufio"
	"context"
	"io"
)

type executor func(ctx context.Context, cmd Command) (quit bool, err error)

// runLoop reads commands from in until quit, EOF or ctx ends. Command
// errors are printed and do not stop the loop.
func runLoop(ctx context.Context, in io.Reader, console *Console, parse func(string) Command, execute executor) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		console.Prompt()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-readErr
			}
			quit, err := execute(ctx, parse(line))
			if err != nil {
				console.Error(err)
			}
			if quit {
				return nil
			}
		}
	}
}
