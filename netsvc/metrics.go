package netsvc

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Stats accumulates process-wide counters for this Service, the same
// quantities the teacher's kcp.DefaultSnmp-driven SnmpLogger periodically
// dumps, adapted to the events this net core itself produces rather than
// kcp-go's own FEC/retransmit counters (which have no analogue here).
type Stats struct {
	SessionsOpened  uint64
	SessionsClosed  uint64
	BytesRead       uint64
	BytesWritten    uint64
	IOErrors        uint64
	BackpressureHit uint64
}

func (s *Stats) header() []string {
	return []string{"sessions_opened", "sessions_closed", "bytes_read", "bytes_written", "io_errors", "backpressure_hit"}
}

func (s *Stats) row() []string {
	return []string{
		fmt.Sprint(atomic.LoadUint64(&s.SessionsOpened)),
		fmt.Sprint(atomic.LoadUint64(&s.SessionsClosed)),
		fmt.Sprint(atomic.LoadUint64(&s.BytesRead)),
		fmt.Sprint(atomic.LoadUint64(&s.BytesWritten)),
		fmt.Sprint(atomic.LoadUint64(&s.IOErrors)),
		fmt.Sprint(atomic.LoadUint64(&s.BackpressureHit)),
	}
}

// Stats returns the Service's live counters. The returned value is a
// point-in-time copy; callers comparing successive Stats snapshots get
// deltas for free.
func (svc *Service) Stats() Stats {
	return Stats{
		SessionsOpened:  atomic.LoadUint64(&svc.stats.SessionsOpened),
		SessionsClosed:  atomic.LoadUint64(&svc.stats.SessionsClosed),
		BytesRead:       atomic.LoadUint64(&svc.stats.BytesRead),
		BytesWritten:    atomic.LoadUint64(&svc.stats.BytesWritten),
		IOErrors:        atomic.LoadUint64(&svc.stats.IOErrors),
		BackpressureHit: atomic.LoadUint64(&svc.stats.BackpressureHit),
	}
}

// StatsLogger periodically appends one CSV row of svc.Stats() to path,
// grounded directly on the teacher's SnmpLogger in std/snmp.go: the same
// "split into dir/file, format the filename as a time layout, append a
// header only to an empty file" shape, swapped to this net core's own
// counters. A zero interval or empty path disables logging, matching the
// teacher's guard.
func StatsLogger(svc *Service, path string, interval time.Duration) {
	if path == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		logdir, logfile := filepath.Split(path)
		f, err := os.OpenFile(logdir+time.Now().Format(logfile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			svc.logger.Warn("netsvc: open stats log failed", "err", err.Error())
			return
		}

		w := csv.NewWriter(f)
		stats := svc.Stats()
		if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
			if err := w.Write(append([]string{"unix"}, stats.header()...)); err != nil {
				svc.logger.Warn("netsvc: write stats header failed", "err", err.Error())
			}
		}
		if err := w.Write(append([]string{fmt.Sprint(time.Now().Unix())}, stats.row()...)); err != nil {
			svc.logger.Warn("netsvc: write stats row failed", "err", err.Error())
		}
		w.Flush()
		f.Close()
	}
}
