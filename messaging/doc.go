// Package messaging is the reliable pub/sub dispatch layer of peril.
//
// It provides:
//   - DeclareAndBind: declares a durable or transient queue, attaches the
//     dead letter exchange where appropriate and binds it to an exchange
//   - Subscribe, SubscribeJSON, SubscribeGob: one consume loop per queue that
//     decodes each delivery, runs a handler and settles the delivery exactly
//     once according to the AckType the handler returns
//   - ConfirmedPublisher: publishes encoded values on a confirm-mode channel
//     and only returns once the broker has confirmed or rejected the message
//
// Example usage:
//
//	sub, err := messaging.SubscribeJSON(ctx, conn,
//		routing.ExchangePerilDirect,
//		routing.PauseQueue("alice"),
//		routing.PauseRoutingKey("alice"),
//		messaging.Transient,
//		func(ctx context.Context, ps gamelogic.PlayingState) messaging.AckType {
//			state.HandlePause(ps)
//			return messaging.Ack
//		})
//
//	err = publisher.PublishJSON(ctx, routing.ExchangePerilTopic,
//		routing.ArmyMoveRoutingKey("alice"), move)
package messaging
