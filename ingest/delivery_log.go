package ingest

import (
	"sync"

	"github.com/jedapaw/echo-alert-zone/common"
)

// DeliveryLogReader read-only view of the delivered broadcasts
type DeliveryLogReader interface {
	// Len number of records held
	Len() int
	// Snapshot copies of the held records, newest first. limit <= 0 returns all of them.
	Snapshot(limit int) []common.BroadcastRecord
	// Latest the newest record
	Latest() (common.BroadcastRecord, bool)
}

// DeliveryLog ordered history of delivered broadcasts, newest first
//
// Only the ingestor appends. When a retention cap is set, the oldest records fall off.
type DeliveryLog struct {
	lock sync.RWMutex
	// records stored oldest first so appends are cheap
	records      []common.BroadcastRecord
	retentionCap int
}

// NewDeliveryLog define a new DeliveryLog. retentionCap <= 0 is unbounded.
func NewDeliveryLog(retentionCap int) *DeliveryLog {
	return &DeliveryLog{records: make([]common.BroadcastRecord, 0), retentionCap: retentionCap}
}

// prepend record a newly delivered broadcast
func (l *DeliveryLog) prepend(record common.BroadcastRecord) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.records = append(l.records, record)
	if l.retentionCap > 0 && len(l.records) > l.retentionCap {
		l.records = append(
			make([]common.BroadcastRecord, 0, l.retentionCap),
			l.records[len(l.records)-l.retentionCap:]...,
		)
	}
}

// Len number of records held
func (l *DeliveryLog) Len() int {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return len(l.records)
}

// Snapshot copies of the held records, newest first. limit <= 0 returns all of them.
func (l *DeliveryLog) Snapshot(limit int) []common.BroadcastRecord {
	l.lock.RLock()
	defer l.lock.RUnlock()
	count := len(l.records)
	if limit > 0 && limit < count {
		count = limit
	}
	result := make([]common.BroadcastRecord, 0, count)
	for itr := len(l.records) - 1; itr >= len(l.records)-count; itr-- {
		result = append(result, l.records[itr].Clone())
	}
	return result
}

// Latest the newest record
func (l *DeliveryLog) Latest() (common.BroadcastRecord, bool) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	if len(l.records) == 0 {
		return common.BroadcastRecord{}, false
	}
	return l.records[len(l.records)-1].Clone(), true
}
