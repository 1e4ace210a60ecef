// Package transport moves framed requests and replies between mesh peers
// over TCP.
//
// # Architecture
//
// A Node is both a server and a client. As a server it accepts connections,
// extracts request frames from each byte stream and dispatches them to a
// pool of worker goroutines, writing the handler's reply back on the same
// connection. As a client it dials peers on demand, queues request frames
// and matches each reply to the oldest send still waiting on that
// connection.
//
//	node, err := transport.NewNode(nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	node.SetReceiveCallback(func(cmd uint16, payload []byte) (uint16, []byte) {
//	    return cmd, payload
//	})
//	if err := node.StartService("0.0.0.0", 7400, 4); err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
// # Sending
//
// Send never blocks and never calls its completion callback before it
// returns. The callback runs exactly once with one of the Status values:
//
//	err := node.Send("10.0.0.7", 7400, transport.IPv4, 1, []byte("ping"), 5*time.Second,
//	    func(status transport.Status, cmd uint16, payload []byte) {
//	        if status != transport.StatusSuccess {
//	            log.Printf("send failed: %v", status)
//	        }
//	    })
//
// A timeout closes the connection it happened on, since later replies on
// that stream can no longer be paired with their requests. Other sends
// waiting on it complete with StatusCancelled.
//
// # Stream Recovery
//
// Frames are located by their self-checksummed header (see package wire).
// Garbage between frames is discarded in bounded scans, and a connection
// that accumulates more than Options.ReassemblyCeiling bytes without
// yielding a frame is closed.
//
// # Duplicates
//
// Each inbound request is fingerprinted by command and payload. A request
// seen within Options.DuplicateExpiry is not passed to the handler and is
// answered with an empty reply carrying its command. Requests with no
// handler and requests whose handler panics are answered the same way.
//
// # Shutdown
//
// StopService closes the listener and every connection, cancels pending
// sends and waits for all node goroutines. No completion callback runs
// after it returns, so callbacks must not call StopService themselves.
//
// # Metrics
//
// Every node registers its collectors on its own Prometheus registry,
// returned by Node.Registry.
package transport
