package http

import (
	"time"

	"routeclient/pkg/metacache"
	"routeclient/pkg/types"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status  Status          `json:"status,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Tablet  *TabletView     `json:"tablet,omitempty"`
	Servers []ServerView    `json:"servers,omitempty"`
	Tables  []types.TableID `json:"tables,omitempty"`
	Count   int             `json:"count,omitempty"`
}

type ReplicaView struct {
	ServerID types.ServerID `json:"server_id"`
	Role     types.Role     `json:"role"`
	Endpoint string         `json:"endpoint,omitempty"`
	FailedAt *time.Time     `json:"failed_at,omitempty"`
	Cause    string         `json:"cause,omitempty"`
}

// TabletView is the cached state of one tablet.
type TabletView struct {
	TabletID                  types.TabletID      `json:"tablet_id"`
	TableID                   types.TableID       `json:"table_id"`
	Partition                 metacache.Partition `json:"partition"`
	Leader                    types.ServerID      `json:"leader,omitempty"`
	Replicas                  []ReplicaView       `json:"replicas"`
	ReplicaCounts             string              `json:"replica_counts"`
	Stale                     bool                `json:"stale"`
	Split                     bool                `json:"split"`
	SplitDepth                uint64              `json:"split_depth"`
	LookupsWithoutNewReplicas int                 `json:"lookups_without_new_replicas"`
	RefreshedAt               time.Time           `json:"refreshed_at"`
}

type ServerView struct {
	ID       types.ServerID `json:"id"`
	Endpoint string         `json:"endpoint,omitempty"`
	Cloud    string         `json:"cloud"`
	Local    bool           `json:"local"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewTabletResponse(t *metacache.TabletRecord) Response {
	return Response{Status: StatusSuccess, Tablet: newTabletView(t)}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

func newTabletView(t *metacache.TabletRecord) *TabletView {
	v := &TabletView{
		TabletID:                  t.ID(),
		TableID:                   t.TableID(),
		Partition:                 t.Partition(),
		ReplicaCounts:             t.ReplicasCountString(),
		Stale:                     t.IsStale(),
		Split:                     t.IsSplit(),
		SplitDepth:                t.SplitDepth(),
		LookupsWithoutNewReplicas: t.LookupsWithoutNewReplicas(),
		RefreshedAt:               t.RefreshTime(),
	}
	if leader := t.LeaderTServer(); leader != nil {
		v.Leader = leader.ID()
	}
	for _, r := range t.Replicas() {
		rv := ReplicaView{ServerID: r.Server.ID(), Role: r.Role, Endpoint: r.Server.Endpoint()}
		if !r.FailedAt.IsZero() {
			failedAt := r.FailedAt
			rv.FailedAt = &failedAt
			if r.FailCause != nil {
				rv.Cause = r.FailCause.Error()
			}
		}
		v.Replicas = append(v.Replicas, rv)
	}
	return v
}

func newServerView(s *metacache.ServerDescriptor) ServerView {
	return ServerView{
		ID:       s.ID(),
		Endpoint: s.Endpoint(),
		Cloud:    s.Cloud().String(),
		Local:    s.IsLocal(),
	}
}
