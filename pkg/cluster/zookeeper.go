package cluster

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"routeclient/pkg/coderr"
	"routeclient/pkg/metacache"
	"routeclient/pkg/types"
)

// zkConn is the subset of *zk.Conn used by ZKDirectory.
type zkConn interface {
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Exists(path string) (bool, *zk.Stat, error)
	State() zk.State
	Close()
}

var _ zkConn = (*zk.Conn)(nil)

// replicaDocument is one replica in a published tablet document.
type replicaDocument struct {
	ServerID  types.ServerID `json:"server_id"`
	RaftState string         `json:"raft_state,omitempty"`
}

// tabletDocument is the content of <root>/tablets/<id>.
type tabletDocument struct {
	TabletID             types.TabletID      `json:"tablet_id"`
	TableID              types.TableID       `json:"table_id"`
	Partition            metacache.Partition `json:"partition"`
	State                types.TabletState   `json:"state"`
	SplitDepth           uint64              `json:"split_depth,omitempty"`
	SplitParentID        types.TabletID      `json:"split_parent_id,omitempty"`
	Replicas             []replicaDocument   `json:"replicas"`
	ExpectedLiveReplicas int                 `json:"expected_live_replicas,omitempty"`
	ExpectedReadReplicas int                 `json:"expected_read_replicas,omitempty"`
}

// ZKDirectory is a metacache.Directory over ZooKeeper.
//
// Layout:
//
//	<root>/servers/<server-id>        ServerInfo JSON, ephemeral
//	<root>/tablets/<tablet-id>        tablet document JSON
//	<root>/tables/<table>/<tablet-id> empty index node
type ZKDirectory struct {
	conn       zkConn
	root       string
	retryDelay time.Duration
	logger     *zap.Logger
}

var _ metacache.Directory = (*ZKDirectory)(nil)

// servers: ["zk1:2181", "zk2:2181"]
func NewZKDirectory(servers []string, root string, sessionTimeout time.Duration, logger *zap.Logger) (*ZKDirectory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(zap.NewStdLog(logger.Named("zk"))))
	if err != nil {
		return nil, coderr.Newf(coderr.NetworkError, "zk connect %v: %v", servers, err)
	}
	return newZKDirectory(conn, root, logger), nil
}

func newZKDirectory(conn zkConn, root string, logger *zap.Logger) *ZKDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZKDirectory{
		conn:       conn,
		root:       "/" + strings.Trim(root, "/"),
		retryDelay: 2 * time.Second,
		logger:     logger,
	}
}

func (d *ZKDirectory) Close() error {
	d.conn.Close()
	return nil
}

func (d *ZKDirectory) serversPath() string { return path.Join(d.root, "servers") }

func (d *ZKDirectory) tabletsPath() string { return path.Join(d.root, "tablets") }

func (d *ZKDirectory) tablePath(table types.TableID) string {
	return path.Join(d.root, "tables", string(table))
}

func (d *ZKDirectory) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := d.conn.Exists(cur)
		if err != nil {
			return errors.Wrapf(err, "zk exists %s", cur)
		}
		if !exists {
			_, err = d.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return errors.Wrapf(err, "zk create %s", cur)
			}
		}
	}
	return nil
}

// put creates p with data or overwrites it.
func (d *ZKDirectory) put(p string, data []byte, flags int32) error {
	_, err := d.conn.Create(p, data, flags, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		_, err = d.conn.Set(p, data, -1)
	}
	return errors.Wrapf(err, "zk put %s", p)
}

func (d *ZKDirectory) waitConnected(ctx context.Context) error {
	for {
		st := d.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		select {
		case <-ctx.Done():
			return coderr.Newf(coderr.TimedOut, "zk: not connected, state=%v", st)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// RegisterServer publishes info as an ephemeral node, visible while the session lives.
func (d *ZKDirectory) RegisterServer(ctx context.Context, info metacache.ServerInfo) error {
	if err := d.waitConnected(ctx); err != nil {
		return err
	}
	if info.ID == "" {
		return coderr.NewCodeError(coderr.InvalidArgument, "server id is empty")
	}
	if err := d.ensurePath(d.serversPath()); err != nil {
		return errors.Wrap(err, "ensure servers path")
	}
	data, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "encode server info")
	}
	if err := d.put(path.Join(d.serversPath(), string(info.ID)), data, zk.FlagEphemeral); err != nil {
		return err
	}
	d.logger.Info("tablet server registered", zap.String("server", string(info.ID)))
	return nil
}

// PublishTablet writes the tablet document and its table index node.
func (d *ZKDirectory) PublishTablet(ctx context.Context, loc metacache.TabletLocation) error {
	if err := d.waitConnected(ctx); err != nil {
		return err
	}
	if loc.TabletID == "" || loc.TableID == "" {
		return coderr.NewCodeError(coderr.InvalidArgument, "tablet and table ids are required")
	}
	doc := tabletDocument{
		TabletID:             loc.TabletID,
		TableID:              loc.TableID,
		Partition:            loc.Partition,
		State:                loc.State,
		SplitDepth:           loc.SplitDepth,
		SplitParentID:        loc.SplitParentID,
		ExpectedLiveReplicas: loc.ExpectedLiveReplicas,
		ExpectedReadReplicas: loc.ExpectedReadReplicas,
	}
	for _, r := range loc.Replicas {
		doc.Replicas = append(doc.Replicas, replicaDocument{ServerID: r.ServerID, RaftState: RaftStateOf(r.Role)})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "encode tablet document")
	}

	if err := d.ensurePath(d.tabletsPath()); err != nil {
		return errors.Wrap(err, "ensure tablets path")
	}
	if err := d.ensurePath(d.tablePath(loc.TableID)); err != nil {
		return errors.Wrap(err, "ensure table path")
	}
	if err := d.put(path.Join(d.tabletsPath(), string(loc.TabletID)), data, 0); err != nil {
		return err
	}
	return d.put(path.Join(d.tablePath(loc.TableID), string(loc.TabletID)), nil, 0)
}

func (d *ZKDirectory) GetTableLocations(ctx context.Context, table types.TableID, partitionStart string, maxLocations int) ([]metacache.TabletLocation, error) {
	ids, _, err := d.conn.Children(d.tablePath(table))
	if errors.Is(err, zk.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyZKError(err, "list tablets of %s", table)
	}

	servers := map[types.ServerID]*metacache.ServerInfo{}
	locs := make([]metacache.TabletLocation, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, contextError(err)
		}
		loc, ok, err := d.readTablet(types.TabletID(id), servers)
		if err != nil {
			return nil, err
		}
		if ok {
			locs = append(locs, loc)
		}
	}
	sort.Slice(locs, func(i, j int) bool { return locs[i].Partition.Start < locs[j].Partition.Start })

	// Start with the last tablet beginning at or before partitionStart.
	from := sort.Search(len(locs), func(i int) bool { return locs[i].Partition.Start > partitionStart })
	if from > 0 {
		from--
	}
	locs = locs[from:]
	if maxLocations > 0 && len(locs) > maxLocations {
		locs = locs[:maxLocations]
	}
	return locs, nil
}

func (d *ZKDirectory) GetTabletLocations(ctx context.Context, ids []types.TabletID) ([]metacache.TabletLocation, error) {
	servers := map[types.ServerID]*metacache.ServerInfo{}
	var locs []metacache.TabletLocation
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, contextError(err)
		}
		loc, ok, err := d.readTablet(id, servers)
		if err != nil {
			return nil, err
		}
		if ok {
			locs = append(locs, loc)
		}
	}
	return locs, nil
}

// readTablet loads one tablet document; servers caches server lookups within one request.
func (d *ZKDirectory) readTablet(id types.TabletID, servers map[types.ServerID]*metacache.ServerInfo) (metacache.TabletLocation, bool, error) {
	data, _, err := d.conn.Get(path.Join(d.tabletsPath(), string(id)))
	if errors.Is(err, zk.ErrNoNode) {
		return metacache.TabletLocation{}, false, nil
	}
	if err != nil {
		return metacache.TabletLocation{}, false, classifyZKError(err, "get tablet %s", id)
	}
	var doc tabletDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return metacache.TabletLocation{}, false, errors.Wrapf(
			coderr.Newf(coderr.IllegalState, "tablet %s: bad document: %v", id, err), "zk directory")
	}
	if doc.TabletID == "" {
		doc.TabletID = id
	}

	loc := metacache.TabletLocation{
		TabletID:             doc.TabletID,
		TableID:              doc.TableID,
		Partition:            doc.Partition,
		State:                doc.State,
		SplitDepth:           doc.SplitDepth,
		SplitParentID:        doc.SplitParentID,
		ExpectedLiveReplicas: doc.ExpectedLiveReplicas,
		ExpectedReadReplicas: doc.ExpectedReadReplicas,
	}
	for _, r := range doc.Replicas {
		info, ok := servers[r.ServerID]
		if !ok {
			info, err = d.readServer(r.ServerID)
			if err != nil {
				return metacache.TabletLocation{}, false, err
			}
			servers[r.ServerID] = info
		}
		loc.Replicas = append(loc.Replicas, metacache.ReplicaInfo{
			ServerID: r.ServerID,
			Role:     RoleFromRaftState(r.RaftState),
			Server:   info,
		})
	}
	return loc, true, nil
}

// readServer returns nil when the server is not registered: its session may have expired.
func (d *ZKDirectory) readServer(id types.ServerID) (*metacache.ServerInfo, error) {
	data, _, err := d.conn.Get(path.Join(d.serversPath(), string(id)))
	if errors.Is(err, zk.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyZKError(err, "get server %s", id)
	}
	var info metacache.ServerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		d.logger.Warn("bad server document", zap.String("server", string(id)), zap.Error(err))
		return nil, nil
	}
	info.ID = id
	return &info, nil
}

// WatchServers keeps dir in sync with the registered servers until ctx is done. Servers that
// go away stay in dir.
func (d *ZKDirectory) WatchServers(ctx context.Context, dir *metacache.ServerDirectory) {
	go func() {
		for {
			children, _, ch, err := d.conn.ChildrenW(d.serversPath())
			if err != nil {
				d.logger.Warn("watch servers failed", zap.Error(err))
				if errors.Is(err, zk.ErrNoNode) {
					_ = d.ensurePath(d.serversPath())
				}
				select {
				case <-time.After(d.retryDelay):
					continue
				case <-ctx.Done():
					return
				}
			}

			for _, id := range children {
				info, err := d.readServer(types.ServerID(id))
				if err != nil {
					d.logger.Warn("read server failed", zap.String("server", id), zap.Error(err))
					continue
				}
				if info != nil {
					dir.Upsert(*info)
				}
			}
			d.logger.Debug("servers synced", zap.Int("registered", len(children)), zap.Int("known", dir.Len()))

			select {
			case ev := <-ch:
				d.logger.Debug("servers changed", zap.String("event", ev.Type.String()))
			case <-ctx.Done():
				d.logger.Info("servers watch stopped")
				return
			}
		}
	}()
}

func classifyZKError(err error, format string, args ...any) error {
	code := coderr.Internal
	switch {
	case errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrNoServer), errors.Is(err, zk.ErrSessionExpired):
		code = coderr.NetworkError
	}
	return errors.Wrapf(coderr.Newf(code, "%v", err), format, args...)
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return coderr.Newf(coderr.TimedOut, "zk directory: %v", err)
	}
	return coderr.Newf(coderr.Aborted, "zk directory: %v", err)
}
