// Package directory defines the contract of the remote twin directory service.
//
// The directory is the network service that hosts twin documents, answers searches,
// stores the last sample of each feed and relays shared samples to followers.
// This package defines:
//   - Client: the four operations the engine issues (Search, FetchInterest,
//     ShareFeedData, UpsertTwin)
//   - SearchStream and InterestStream: server-streaming responses
//   - Error and the sentinel kinds used to classify failures (ErrAuthExpired,
//     ErrTransport, ErrRemote, ErrTimeout, ErrInterrupted)
//
// Streaming operations return immediately once the stream is open; results are
// pulled with Recv until it returns io.EOF or an error. Closing the context passed
// to the opening call terminates the stream.
//
// Example usage:
//
//	stream, err := client.FetchInterest(ctx, directory.FetchRequest{
//		Interest:        interest,
//		FetchLastStored: true,
//	})
//	if err != nil {
//		return err
//	}
//	for {
//		record, err := stream.Recv()
//		if directory.IsAuthExpired(err) {
//			// resubscribe with a fresh token
//		}
//		...
//	}
package directory
