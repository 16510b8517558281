// Package dvpool is a high-throughput connection pool for Microsoft
// Dataverse. It multiplexes requests over one or more authenticated sources,
// routes around service protection throttles, applies backpressure through a
// bounded admission semaphore, and adapts its parallelism to the service's
// request-count, execution-time, and concurrency budgets with an AIMD
// control loop.
//
// Build a pool from one or more sources and dispatch requests through it:
//
//	src, err := dvpool.NewConnectionStringSource("prod",
//	    os.Getenv("DATAVERSE_CONNECTION_STRING"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	pool, err := dvpool.New(ctx, []dvpool.ClientSource{src})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Close()
//
//	resp, err := pool.Execute(ctx, dvpool.CreateRequest{Target: entity})
//
// Execute never surfaces a throttle: protection-limit faults are absorbed by
// the retry loop, which waits for the affected source to recover or routes
// to another one. The errors a caller can observe are typed —
// *PoolExhaustedError, *ServiceProtectionError, *ConnectionError,
// *AuthError — plus cancellation and passthrough client errors.
package dvpool
