// Package mq is the routing, auth-gating and reply-correlation layer of the
// message bus.
//
// Commands are addressed as "category.command". Each category carries the
// auth level a peer needs to invoke any of its commands. A Bus owns a
// Registry of handlers, a Dispatcher that runs them on a worker pool, and a
// Correlator that matches replies to outbound requests by tag:
//
//	bus, err := mq.New(cfg.Bus, log)
//	if err != nil {
//	    return err
//	}
//	cat, _ := bus.AddCategory("cat", types.AuthNone)
//	cat.AddCommand("echo", mq.HandlerFunc(func(msg *mq.Message) (*mq.Reply, error) {
//	    return mq.Respond(msg.Args...), nil
//	}))
//	bus.Listen("ipc:///run/mqbus.sock", ipc.AllowAll(types.AuthNone))
//	if err := bus.Start(ctx); err != nil {
//	    return err
//	}
//
// A handler that cannot answer straight away calls msg.Later() and returns a
// nil reply. The DeferredReply it gets back can be completed exactly once
// from any goroutine. A request whose reply never arrives fails with
// TIMEOUT; one whose connection closes first fails with CONNECTION_CLOSED.
package mq
