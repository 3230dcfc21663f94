package repo

import "github.com/shaiso/Dispatch/internal/domain"

// DefaultListLimit — лимит List, если он не задан.
const DefaultListLimit = 100

// JobFilter — параметры выборки jobs.
// Пустые поля не фильтруют.
type JobFilter struct {
	Queue  domain.QueueName
	Status domain.JobStatus
	Limit  int
}

func (f JobFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

func (f JobFilter) matches(job *domain.Job) bool {
	if f.Queue != "" && job.QueueName != f.Queue {
		return false
	}
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	return true
}
