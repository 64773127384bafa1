package etcd

import (
	"path"
	"strings"

	"compress-queue/internal/domain"
)

// etcd key layout. Everything lives under /compress/ to avoid collisions
// with other tenants of the cluster.
//
//	/compress/jobs/{id}             JSON-encoded JobRecord
//	/compress/states/{state}/{id}   per-state index, empty value
//	/compress/claims/{id}           worker id, bound to the claim lease
//	/compress/leader                maintenance leader election prefix

const (
	jobDir    = "/compress/jobs/"
	stateDir  = "/compress/states/"
	claimDir  = "/compress/claims/"
	leaderKey = "/compress/leader"
)

func jobKey(id string) string { return jobDir + id }

func claimKey(id string) string { return claimDir + id }

func statePrefix(state domain.JobState) string {
	return path.Join(stateDir, string(state)) + "/"
}

func stateKey(state domain.JobState, id string) string {
	return statePrefix(state) + id
}

// idFromStateKey recovers the job id from a per-state index key.
func idFromStateKey(key string, state domain.JobState) string {
	return strings.TrimPrefix(key, statePrefix(state))
}
