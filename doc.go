// Package chatlink implements a reliable client for the multi-agent chat
// backend: message delivery with bounded retries, response-timeout tracking,
// a self-healing server-push channel, and a bounded persistent transcript.
//
// # Architecture
//
// The Client ties together four cooperating components, constructed in
// dependency order:
//
//   - [history.Store]: bounded ordered transcript with durable persistence
//   - [stream.Client]: SSE push channel with exponential reconnect backoff
//   - [delivery.Manager]: outbound sends with retries and reply correlation
//   - [events.Dispatcher]: typed publish/subscribe connecting them to the UI
//
// # Usage
//
//	client, err := chatlink.New(chatlink.NewOptions("http://localhost:5000/api"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.OnMessage(func(msg *message.Message) {
//	    fmt.Printf("[%s] %s\n", msg.Type, msg.Content)
//	})
//
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	id, _ := client.Send("Summarize the build failures from last night")
//
// Send returns as soon as the message is recorded; retries, timeouts, and
// the correlated reply all surface through the event subscriptions.
package chatlink
