// Package shutdown stops a stepkit process in a fixed order.
//
// Handlers register under a phase. On SIGINT, SIGTERM or an explicit
// Shutdown call, phases run in ascending order and the handlers within a
// phase run concurrently:
//
//	coord := shutdown.New(shutdown.DefaultConfig(), logger)
//	coord.RegisterFunc("dispatcher", shutdown.PhaseDispatcher, disp.Stop)
//	coord.RegisterFunc("api", shutdown.PhaseServer, srv.Shutdown)
//	coord.RegisterFunc("store", shutdown.PhaseStore, func(context.Context) error {
//	    return store.Close()
//	})
//	stop := coord.HandleSignals()
//	defer stop()
//	<-coord.Done()
//
// The dispatcher goes first so that in-flight runs finish and persist
// their state while the store is still open. An instance cut off anyway
// resumes on the next start: its sub-step is recorded as interrupted and
// routed like any other failure.
package shutdown
