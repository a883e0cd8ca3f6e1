package metacache

import (
	"context"

	"routeclient/pkg/types"
)

// ReplicaInfo is one replica as reported by the directory. Server is optional; when
// it is missing the server is resolved by id through the ServerDirectory.
type ReplicaInfo struct {
	ServerID types.ServerID `json:"server_id"`
	Role     types.Role     `json:"role"`
	Server   *ServerInfo    `json:"server,omitempty"`
}

// TabletLocation is one entry of a directory response.
type TabletLocation struct {
	TabletID      types.TabletID    `json:"tablet_id"`
	TableID       types.TableID     `json:"table_id"`
	Partition     Partition         `json:"partition"`
	State         types.TabletState `json:"state"`
	SplitDepth    uint64            `json:"split_depth,omitempty"`
	SplitParentID types.TabletID    `json:"split_parent_id,omitempty"`
	Replicas      []ReplicaInfo     `json:"replicas"`

	ExpectedLiveReplicas int `json:"expected_live_replicas,omitempty"`
	ExpectedReadReplicas int `json:"expected_read_replicas,omitempty"`
}

// Directory answers "who hosts these tablets" queries.
//
// GetTableLocations returns the tablets of table sorted by partition start, starting with the
// tablet that contains partitionStart, at most maxLocations of them (0 means all). Tablets
// that are not running may be missing, leaving gaps.
type Directory interface {
	GetTableLocations(ctx context.Context, table types.TableID, partitionStart string, maxLocations int) ([]TabletLocation, error)
	GetTabletLocations(ctx context.Context, ids []types.TabletID) ([]TabletLocation, error)
}
