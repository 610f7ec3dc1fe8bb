package gateway

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"filbeam-backend/internal/eventbus"
	"filbeam-backend/internal/models"
)

// dbWriteTimeout bounds the accounting writes that run after the request
// context is gone.
const dbWriteTimeout = 30 * time.Second

// meterParams carries everything the background measurement needs once the
// request handler has moved on.
type meterParams struct {
	status      int
	cacheMiss   bool
	dataSetID   string
	botName     *string
	countryCode string
	fetchStart  time.Time
	workerStart time.Time
}

// meterBody consumes the origin body, forwarding it to pw until the client
// side fails, and keeps counting to the end either way. Billing is by content
// size: a client that disconnects mid-stream still owes the full body. When
// the body is drained the retrieval is recorded and the pipe closed.
func (s *Server) meterBody(body io.ReadCloser, pw *io.PipeWriter, p meterParams) {
	defer s.detached.Done()
	defer body.Close()

	var (
		egress     int64
		ttfb       *int64
		workerTTFB *int64
		readErr    error
	)
	var sink io.Writer = pw
	buf := make([]byte, 32<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if ttfb == nil {
				now := time.Now()
				f := now.Sub(p.fetchStart).Milliseconds()
				w := now.Sub(p.workerStart).Milliseconds()
				ttfb, workerTTFB = &f, &w
			}
			egress += int64(n)
			if sink != nil {
				if _, werr := sink.Write(buf[:n]); werr != nil {
					// Client went away; keep draining for the count.
					sink = nil
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				readErr = err
			}
			break
		}
	}
	if readErr != nil {
		log.Printf("[gateway] origin stream ended early: %v", readErr)
		pw.CloseWithError(readErr)
	} else {
		pw.Close()
	}
	ttlb := time.Since(p.fetchStart).Milliseconds()

	s.recordRetrieval(models.RetrievalLog{
		Timestamp:          time.Now().UTC(),
		ResponseStatus:     p.status,
		EgressBytes:        &egress,
		CacheMiss:          &p.cacheMiss,
		FetchTTFBMs:        ttfb,
		FetchTTLBMs:        &ttlb,
		WorkerTTFBMs:       workerTTFB,
		RequestCountryCode: p.countryCode,
		DataSetID:          &p.dataSetID,
		BotName:            p.botName,
	})
}

// recordRetrieval persists one retrieval outcome on a detached context and
// publishes it on the bus. Both the measured streaming path and the failure
// paths that never reached streaming end up here.
func (s *Server) recordRetrieval(l models.RetrievalLog) {
	ctx, cancel := context.WithTimeout(context.Background(), dbWriteTimeout)
	defer cancel()

	if err := s.store.LogRetrievalResult(ctx, l); err != nil {
		log.Printf("[gateway] failed to log retrieval: %v", err)
	}

	cacheMiss := l.CacheMiss != nil && *l.CacheMiss
	if l.DataSetID != nil && l.EgressBytes != nil && *l.EgressBytes > 0 {
		if err := s.store.UpdateDataSetStats(ctx, *l.DataSetID, *l.EgressBytes, cacheMiss, s.cfg.EnforceQuotas); err != nil {
			log.Printf("[gateway] failed to update data set stats: %v", err)
		}
	}

	evt := eventbus.RetrievalCompleted{
		Status:      l.ResponseStatus,
		CacheMiss:   cacheMiss,
		CountryCode: l.RequestCountryCode,
	}
	if l.EgressBytes != nil {
		evt.EgressBytes = *l.EgressBytes
	}
	if l.DataSetID != nil {
		evt.DataSetID = *l.DataSetID
	}
	if l.BotName != nil {
		evt.BotName = *l.BotName
	}
	s.bus.Publish(eventbus.Event{
		Type:      eventbus.TypeRetrievalCompleted,
		Timestamp: time.Now(),
		Data:      evt,
	})
}

// requestCountry reads the edge-provided geo header, empty when absent.
func requestCountry(r *http.Request) string {
	return r.Header.Get("CF-IPCountry")
}
