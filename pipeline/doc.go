// Package pipeline implements the routing state machine that carries one
// message through a graph of pipes.
//
// A Graph is a set of named pipes, each with a forward table mapping the
// outcome label the pipe returns to the next pipe or to a terminal Exit:
//
//	g, err := pipeline.New(pipeline.Config{
//	    Name: "orders",
//	    Pipes: []pipeline.PipeConfig{
//	        {Pipe: validate, Forwards: []pipeline.Forward{{Name: "failure", Target: "REJECT"}}},
//	        {Pipe: enrich},
//	    },
//	    Exits: []pipeline.Exit{
//	        {Name: "READY", State: pipeline.ExitSuccess},
//	        {Name: "REJECT", State: pipeline.ExitError, Code: 400},
//	    },
//	    Forwards: []pipeline.Forward{{Name: "exception", Target: "REJECT"}},
//	})
//
// New validates the whole graph before first use: duplicate forwards, unknown
// targets, a missing entry pipe, undeclared outcomes and unreachable exits
// are configuration errors. A pipe without a "success" forward continues to
// the next pipe in declaration order, and the last pipe to the first success
// exit.
//
// A Runner executes one pipe at a time. A pipe that returns an error or
// panics produces the outcome "exception". Runs that exceed the hop limit
// abort with ErrCycleDetected.
package pipeline
