// Package relaydrop transfers a single file between two peers that share a
// pickup code.
//
// Both peers connect to a relay hub over WebSocket and join the session
// named by the code, one as sender and one as receiver. They exchange NAT
// assessments and, when the combined score allows it, negotiate a direct
// WebRTC data channel using the relay for signaling. If the direct channel
// cannot be set up the chunks travel through the relay instead.
//
// # Getting Started
//
//	cfg, err := config.Load("relaydrop.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client, err := relaydrop.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Sender side
//	res, err := client.Send(ctx, "blue-otter-42", "report.pdf")
//
//	// Receiver side
//	res, err := client.Receive(ctx, "blue-otter-42", file.FileSinkFactory("downloads"))
//
// # Plane Selection
//
// [ModeAuto] probes the local NAT, shares the assessment with the peer and
// tries the direct plane when nat.PreferDirect accepts the combined score.
// A peer that never announces its NAT is treated as relay-only. [ModeRelay]
// skips the probe. [ModeDirect] fails instead of falling back.
//
// Once payload bytes cross the direct channel a channel failure is terminal
// and surfaces as a file.KindNegotiationFailurePostData error.
//
// # Sessions
//
// Every Send and Receive registers a file.Session in the client's
// file.Manager. Options.OnSession sees each session before it starts:
//
//	opts := relaydrop.NewOptions()
//	opts.OnSession = func(s *file.Session) {
//	    s.OnProgress(func(ev file.Event) {
//	        fmt.Printf("%.1f%%\n", ev.Percent())
//	    })
//	}
//
// Session.Cancel aborts a running transfer; the peer is told with a cancel
// message.
package relaydrop
