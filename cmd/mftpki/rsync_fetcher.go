package main

import (
	"sync"

	"github.com/opentracing/opentracing-go"
)

// rsyncFetcher fans fetch jobs out to a fixed set of workers. Jobs are
// submitted with fetch, closed with done, and wait blocks until every
// worker has drained the channel.
type rsyncFetcher struct {
	daemon *MFTPKI
	jobsCh chan string
	wg     sync.WaitGroup
	span   opentracing.Span
}

func newRsyncFetcher(daemon *MFTPKI, workers int, span opentracing.Span) *rsyncFetcher {
	if workers < 1 {
		workers = 1
	}

	rf := &rsyncFetcher{
		daemon: daemon,
		jobsCh: make(chan string),
		span:   span,
	}

	for i := 0; i < workers; i++ {
		rf.wg.Add(1)
		go rf.worker()
	}

	return rf
}

func (r *rsyncFetcher) worker() {
	defer r.wg.Done()

	for rsyncURL := range r.jobsCh {
		r.daemon.fetchRsync(rsyncURL, r.span)
	}
}

func (r *rsyncFetcher) done() {
	close(r.jobsCh)
}

func (r *rsyncFetcher) wait() {
	r.wg.Wait()
}

func (r *rsyncFetcher) fetch(rsync string) {
	r.jobsCh <- rsync
}
