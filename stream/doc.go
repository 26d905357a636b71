// Package stream keeps a long-lived filtered-stream connection alive.
//
// A Supervisor asks a Connector for an authenticated HTTP response body,
// splits it into lines, classifies every line as a keep-alive, an in-band
// connection error or a payload, and hands payloads to a Handler in arrival
// order. When the connection goes idle for longer than the configured
// timeout, breaks, or the server reports a connection exception, the
// Supervisor waits out the current backoff and reconnects, provided a retry
// policy is configured. Without one, the first streaming failure stops the
// Supervisor and is returned from Run.
//
// Typical use:
//
//	sup, err := stream.New(stream.Options{
//		Token: os.Getenv("FILTERSTREAM_TOKEN"),
//		URL:   "https://api.twitter.com/2/tweets/search/stream",
//		Retry: &stream.RetryOptions{Base: 10 * time.Second},
//	}, func(ctx context.Context, msg stream.Message) error {
//		post, err := msg.Post()
//		if err != nil {
//			return err
//		}
//		fmt.Println(post.Data.Text)
//		return nil
//	})
//	if err != nil {
//		return err
//	}
//	return sup.Run(ctx)
package stream
