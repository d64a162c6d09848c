package storage

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
	"prism-sync/query"
)

const (
	// DefaultChangesChannel is the Redis channel carrying task events between instances.
	DefaultChangesChannel = "task-changes"
	// DefaultReplicaTTL bounds how long a replica snapshot is kept.
	DefaultReplicaTTL = 24 * time.Hour

	replicaPrefix  = "rp"
	maxETagRetries = 5
	edmDouble      = "Edm.Double"
)

type tableAPI interface {
	NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	GetEntity(ctx context.Context, partitionKey string, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey string, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
}

// AzureOptions configures an AzureStore.
type AzureOptions struct {
	Channel    string
	ReplicaTTL time.Duration
	Events     EventPublisher
	Logger     *log.Logger
}

// AzureStore keeps task documents in Azure Tables. Live listeners are driven by task
// events on a Redis channel and re-run their query on every event of their owner. The
// last server answer of each query is kept in Redis as the replica served first to new
// listeners.
type AzureStore struct {
	table      tableAPI
	redis      *redis.Client
	channel    string
	replicaTTL time.Duration
	events     EventPublisher
	log        *log.Logger
	now        func() time.Time
	origin     string

	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewAzureStore connects to the tasks table.
func NewAzureStore(connStr, tableName string, rc *redis.Client, opts AzureOptions) (*AzureStore, error) {
	clientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &clientOptions)
	if err != nil {
		return nil, err
	}
	return newAzureStore(svc.NewClient(tableName), rc, opts), nil
}

func newAzureStore(table tableAPI, rc *redis.Client, opts AzureOptions) *AzureStore {
	if rc == nil {
		panic("storage.NewAzureStore: redis client is nil")
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChangesChannel
	}
	if opts.ReplicaTTL <= 0 {
		opts.ReplicaTTL = DefaultReplicaTTL
	}
	if opts.Events == nil {
		opts.Events = noopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &AzureStore{
		table:      table,
		redis:      rc,
		channel:    opts.Channel,
		replicaTTL: opts.ReplicaTTL,
		events:     opts.Events,
		log:        opts.Logger,
		now:        time.Now,
		origin:     uuid.NewString(),
		subs:       make(map[string]map[chan struct{}]struct{}),
	}
}

// Run consumes the change feed until ctx ends, reconnecting when the channel closes.
func (s *AzureStore) Run(ctx context.Context) {
	for {
		sub := s.redis.Subscribe(ctx, s.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				s.handleChange(msg.Payload)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		s.log.Error("change feed closed, reconnecting")
		time.Sleep(time.Second)
	}
}

// handleChange refreshes listeners for a change made by another instance. Writes of
// this instance already refreshed them in afterWrite.
func (s *AzureStore) handleChange(payload string) {
	var ev domain.TaskEvent
	if err := sonic.UnmarshalString(payload, &ev); err != nil {
		s.log.WithError(err).Error("unable to parse task change")
		return
	}
	if ev.Origin == s.origin {
		return
	}
	s.notify(ev.OwnerID)
}

func (s *AzureStore) subscribe(owner string) chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	if s.subs[owner] == nil {
		s.subs[owner] = make(map[chan struct{}]struct{})
	}
	s.subs[owner][ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *AzureStore) unsubscribe(owner string, ch chan struct{}) {
	s.mu.Lock()
	if subs, ok := s.subs[owner]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(s.subs, owner)
		}
	}
	s.mu.Unlock()
}

func (s *AzureStore) notify(owner string) {
	s.mu.Lock()
	for ch := range s.subs[owner] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *AzureStore) Query(ctx context.Context, q query.Query) (Snapshot, error) {
	return s.fetch(ctx, q)
}

func (s *AzureStore) fetch(ctx context.Context, q query.Query) (Snapshot, error) {
	filter := q.ODataFilter()
	docs, err := s.list(ctx, &aztables.ListEntitiesOptions{Filter: &filter})
	if err != nil {
		return Snapshot{}, err
	}
	res, err := query.Apply(q, docs)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Documents: res.Documents, FromServer: true, Cursor: res.Cursor, HasMore: res.HasMore}, nil
}

func (s *AzureStore) list(ctx context.Context, opts *aztables.ListEntitiesOptions) ([]domain.TaskDocument, error) {
	pager := s.table.NewListEntitiesPager(opts)
	docs := []domain.TaskDocument{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var doc domain.TaskDocument
			if err := sonic.Unmarshal(e, &doc); err != nil {
				s.log.WithError(err).Warn("skipping undecodable task entity")
				continue
			}
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (s *AzureStore) Listen(ctx context.Context, q query.Query, onSnapshot func(Snapshot), onError func(error)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lctx, cancel := context.WithCancel(ctx)
	ch := s.subscribe(q.Owner)
	go func() {
		defer s.unsubscribe(q.Owner, ch)
		if docs, ok := s.loadReplica(lctx, q); ok && lctx.Err() == nil {
			onSnapshot(Snapshot{Documents: docs})
		}
		for {
			snap, err := s.fetch(lctx, q)
			if lctx.Err() != nil {
				return
			}
			if err != nil {
				onError(err)
				return
			}
			s.storeReplica(lctx, q, snap.Documents)
			onSnapshot(snap)
			select {
			case <-lctx.Done():
				return
			case <-ch:
			}
		}
	}()
	return cancel, nil
}

func (s *AzureStore) replicaKey(q query.Query) string {
	return q.Owner + ":" + replicaPrefix + ":" + q.Key()
}

func (s *AzureStore) loadReplica(ctx context.Context, q query.Query) ([]domain.TaskDocument, bool) {
	data, err := s.redis.Get(ctx, s.replicaKey(q)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.log.WithError(err).WithField("owner", q.Owner).Warn("replica unavailable")
		}
		return nil, false
	}
	var docs []domain.TaskDocument
	if err := sonic.Unmarshal(data, &docs); err != nil {
		_ = s.redis.Del(ctx, s.replicaKey(q)).Err()
		return nil, false
	}
	return docs, true
}

func (s *AzureStore) storeReplica(ctx context.Context, q query.Query, docs []domain.TaskDocument) {
	data, err := sonic.Marshal(docs)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, s.replicaKey(q), data, s.replicaTTL).Err(); err != nil {
		s.log.WithError(err).WithField("owner", q.Owner).Warn("failed to store replica")
	}
}

// Get looks the document up by row key across partitions so callers can compare its
// owner with their own.
func (s *AzureStore) Get(ctx context.Context, id string) (*domain.TaskDocument, error) {
	filter := domain.WireRowKey + " eq '" + escape(id) + "'"
	docs, err := s.list(ctx, &aztables.ListEntitiesOptions{Filter: &filter})
	if err != nil {
		return nil, err
	}
	for i := range docs {
		if docs[i].RowKey == id {
			return &docs[i], nil
		}
	}
	return nil, nil
}

func (s *AzureStore) Count(ctx context.Context, owner string) (int, error) {
	filter := domain.WirePartitionKey + " eq '" + escape(owner) + "'"
	sel := domain.WireRowKey
	docs, err := s.list(ctx, &aztables.ListEntitiesOptions{Filter: &filter, Select: &sel})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (s *AzureStore) Create(ctx context.Context, owner string, p domain.WirePatch) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	doc, err := domain.DocumentFromWire(owner, id.String(), p)
	if err != nil {
		return "", err
	}
	payload, err := entityPayload(doc)
	if err != nil {
		return "", err
	}
	if _, err := s.table.AddEntity(ctx, payload, nil); err != nil {
		return "", err
	}
	s.afterWrite(ctx, domain.TaskCreated, owner, doc.RowKey, p)
	return doc.RowKey, nil
}

// Patch replaces the stored document with p merged in, guarded by the entity ETag.
// Replace mode lets nil values remove properties.
func (s *AzureStore) Patch(ctx context.Context, owner, id string, p domain.WirePatch) error {
	for attempt := 0; attempt < maxETagRetries; attempt++ {
		resp, err := s.table.GetEntity(ctx, owner, id, nil)
		if err != nil {
			if hasStatus(err, http.StatusNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		var doc domain.TaskDocument
		if err := sonic.Unmarshal(resp.Value, &doc); err != nil {
			return err
		}
		updated, err := domain.ApplyPatch(doc, p)
		if err != nil {
			return err
		}
		payload, err := entityPayload(updated)
		if err != nil {
			return err
		}
		etag := resp.ETag
		_, err = s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
		switch {
		case err == nil:
			s.afterWrite(ctx, domain.TaskUpdated, owner, id, p)
			return nil
		case hasStatus(err, http.StatusPreconditionFailed):
			s.log.WithFields(log.Fields{"owner": owner, "task": id, "attempt": attempt + 1}).Debug("task changed during update, retrying")
			continue
		case hasStatus(err, http.StatusNotFound):
			return domain.ErrNotFound
		default:
			return err
		}
	}
	return domain.ErrConcurrencyConflict
}

func (s *AzureStore) Delete(ctx context.Context, owner, id string) error {
	if _, err := s.table.DeleteEntity(ctx, owner, id, nil); err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return domain.ErrNotFound
		}
		return err
	}
	s.afterWrite(ctx, domain.TaskDeleted, owner, id, nil)
	return nil
}

func (s *AzureStore) afterWrite(ctx context.Context, typ, owner, id string, p domain.WirePatch) {
	ev := domain.TaskEvent{Type: typ, OwnerID: owner, TaskID: id, Fields: p.Keys(), Time: s.now().UnixMilli(), Origin: s.origin}
	s.notify(owner)
	fields := log.Fields{"owner": owner, "task": id}
	if data, err := sonic.MarshalString(ev); err == nil {
		if err := s.redis.Publish(ctx, s.channel, data).Err(); err != nil {
			s.log.WithError(err).WithFields(fields).Error("failed to publish task change")
		}
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.WithError(err).WithFields(fields).Error("failed to append task event")
	}
}

// entityPayload renders doc as a table entity. Order is annotated as a double so whole
// numbers are not stored as integers.
func entityPayload(doc domain.TaskDocument) ([]byte, error) {
	doc.ETag = ""
	raw, err := sonic.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if doc.Order == nil {
		return raw, nil
	}
	props := map[string]any{}
	if err := sonic.Unmarshal(raw, &props); err != nil {
		return nil, err
	}
	props[domain.WireOrder+"@odata.type"] = edmDouble
	return sonic.Marshal(props)
}

func hasStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}

func escape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(out)
}
