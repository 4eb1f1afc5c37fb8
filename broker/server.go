package broker

import (
	"context"
	"fmt"
	"sync"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/mochi-hpc/mofka-go/directory"
	"github.com/mochi-hpc/mofka-go/errext"
	"github.com/mochi-hpc/mofka-go/mofka"
	"github.com/mochi-hpc/mofka-go/transport"
	"github.com/mochi-hpc/mofka-go/wire"
)

// PartitionDeps is what a partition factory gets to work with.
type PartitionDeps struct {
	Engine  transport.Engine
	FS      afero.Fs
	DataDir string
	Logger  logrus.FieldLogger
}

// PartitionFactory builds a partition manager of one named type.
type PartitionFactory func(deps PartitionDeps, topic, uuid string, config *mofka.Metadata) (*Manager, error)

// Server hosts partitions and, on the master member, the directory
// service.
type Server struct {
	engine transport.Engine
	fs     afero.Fs
	cfg    Config
	logger logrus.FieldLogger
	group  mofka.Group

	db      *directory.DB // nil unless this member is the master
	metrics *Metrics

	mu           sync.Mutex
	registry     map[string]PartitionFactory
	providers    map[string]*Provider // by partition UUID
	nextProvider uint16
}

// NewServer wires a broker server onto an engine. A nil registerer
// disables the prometheus collectors.
func NewServer(engine transport.Engine, fs afero.Fs, cfg Config, logger logrus.FieldLogger, registerer prometheus.Registerer) (*Server, error) {
	s := &Server{
		engine:    engine,
		fs:        fs,
		cfg:       cfg,
		logger:    logger.WithField("component", "broker"),
		registry:  make(map[string]PartitionFactory),
		providers: make(map[string]*Provider),
	}
	if registerer != nil {
		s.metrics = NewMetrics(registerer)
	}

	if cfg.GroupFile.Valid && cfg.GroupFile.String != "" {
		group, err := mofka.LoadGroup(fs, cfg.GroupFile.String)
		if err != nil {
			return nil, err
		}
		s.group = group
	} else {
		s.group = mofka.Group{Members: []mofka.GroupMember{{Address: engine.Address()}}}
	}

	isMaster := s.group.Master() == engine.Address()
	if cfg.Master.Valid {
		isMaster = cfg.Master.Bool
	}
	if isMaster {
		db, err := directory.Open(fs, cfg.DataDir.String+"/directory.json", s.logger)
		if err != nil {
			return nil, err
		}
		s.db = db
		engine.DefineRPC(wire.RPCCreateTopic, 0, s.handleCreateTopic)
		engine.DefineRPC(wire.RPCOpenTopic, 0, s.handleOpenTopic)
		engine.DefineRPC(wire.RPCAddPartition, 0, s.handleAddPartition)
	}
	engine.DefineRPC(wire.RPCSpawnPartition, 0, s.handleSpawnPartition)

	s.RegisterPartitionType("memory", memoryPartitionFactory)
	s.RegisterPartitionType("default", defaultPartitionFactory)

	s.logger.WithFields(logrus.Fields{
		"address": engine.Address(),
		"master":  isMaster,
	}).Info("broker server ready")
	return s, nil
}

// RegisterPartitionType associates a factory with a partition type name.
func (s *Server) RegisterPartitionType(name string, factory PartitionFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry[name] = factory
}

// Group returns the server's membership.
func (s *Server) Group() mofka.Group { return s.group }

// Provider returns the provider hosting the given partition, if any.
func (s *Server) Provider(partitionUUID string) (*Provider, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[partitionUUID]
	return p, ok
}

func memoryPartitionFactory(deps PartitionDeps, topic, uuid string, _ *mofka.Metadata) (*Manager, error) {
	store := NewDataStore(deps.Engine, NewMemoryBlobStore(deps.Engine))
	return NewManager(deps.Engine, store, topic, uuid, deps.Logger), nil
}

func defaultPartitionFactory(deps PartitionDeps, topic, uuid string, _ *mofka.Metadata) (*Manager, error) {
	dir := fmt.Sprintf("%s/%s/%s", deps.DataDir, topic, uuid)
	blobs, err := NewFileBlobStore(deps.Engine, deps.FS, dir)
	if err != nil {
		return nil, err
	}
	return NewManager(deps.Engine, NewDataStore(deps.Engine, blobs), topic, uuid, deps.Logger), nil
}

func (s *Server) handleCreateTopic(_ context.Context, payload []byte) ([]byte, error) {
	var req wire.CreateTopic
	if err := req.Decode(payload); err != nil {
		return nil, err
	}
	if len(req.Name) > mofka.MaxTopicNameLength {
		return nil, errext.Errorf(errext.InvalidConfig,
			"topic name is %d bytes long, the maximum is %d", len(req.Name), mofka.MaxTopicNameLength)
	}
	err := s.db.PutNew(
		[]string{
			directory.ValidatorKey(req.Name),
			directory.SelectorKey(req.Name),
			directory.SerializerKey(req.Name),
		},
		[][]byte{req.Validator, req.Selector, req.Serializer},
	)
	if err != nil {
		if errext.Is(err, errext.TopicExists) {
			return nil, errext.Errorf(errext.TopicExists, "topic %q already exists", req.Name)
		}
		return nil, err
	}
	if err := s.db.CreateCollection(directory.PartitionsKey(req.Name)); err != nil {
		return nil, err
	}
	s.logger.WithField("topic", req.Name).Info("topic created")
	return nil, nil
}

func (s *Server) handleOpenTopic(_ context.Context, payload []byte) ([]byte, error) {
	var req wire.OpenTopic
	if err := req.Decode(payload); err != nil {
		return nil, err
	}
	// the three keys are never overwritten, so probing them is enough
	for _, key := range []string{
		directory.ValidatorKey(req.Name),
		directory.SelectorKey(req.Name),
		directory.SerializerKey(req.Name),
	} {
		if _, ok := s.db.Length(key); !ok {
			return nil, errext.Errorf(errext.TopicNotFound, "topic %q not found", req.Name)
		}
	}
	validator, _ := s.db.Get(directory.ValidatorKey(req.Name))
	selector, _ := s.db.Get(directory.SelectorKey(req.Name))
	serializer, _ := s.db.Get(directory.SerializerKey(req.Name))
	records, err := s.db.ListPartitions(req.Name)
	if err != nil {
		return nil, err
	}
	info := wire.TopicInfo{
		Validator:  validator,
		Selector:   selector,
		Serializer: serializer,
		Partitions: make([]wire.PartitionRecord, len(records)),
	}
	for i, rec := range records {
		info.Partitions[i] = wire.PartitionRecord{
			UUID:       rec.UUID,
			Address:    rec.Address,
			ProviderID: rec.ProviderID,
		}
	}
	return info.Encode(), nil
}

func (s *Server) handleAddPartition(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.AddPartition
	if err := req.Decode(payload); err != nil {
		return nil, err
	}
	if _, ok := s.db.Length(directory.ValidatorKey(req.Topic)); !ok {
		return nil, errext.Errorf(errext.TopicNotFound, "topic %q not found", req.Topic)
	}
	partitionUUID, err := uuid.NewV4()
	if err != nil {
		return nil, errext.WithKind(err, errext.StoreError)
	}
	target := s.group.Members[int(req.ServerRank)%len(s.group.Members)].Address

	spawn := wire.SpawnPartition{
		Topic:  req.Topic,
		UUID:   partitionUUID.String(),
		Type:   req.Type,
		Config: req.Config,
	}
	resp, err := s.engine.Call(ctx, target, 0, wire.RPCSpawnPartition, spawn.Encode())
	if err != nil {
		return nil, err
	}
	var added wire.PartitionAdded
	if err := added.Decode(resp); err != nil {
		return nil, err
	}
	err = s.db.AppendPartition(req.Topic, directory.PartitionRecord{
		UUID:       added.Record.UUID,
		Address:    added.Record.Address,
		ProviderID: added.Record.ProviderID,
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"topic":     req.Topic,
		"partition": added.Record.UUID,
		"type":      req.Type,
		"server":    added.Record.Address,
	}).Info("partition added")
	return added.Encode(), nil
}

func (s *Server) handleSpawnPartition(_ context.Context, payload []byte) ([]byte, error) {
	var req wire.SpawnPartition
	if err := req.Decode(payload); err != nil {
		return nil, err
	}
	s.mu.Lock()
	factory, ok := s.registry[req.Type]
	s.mu.Unlock()
	if !ok {
		return nil, errext.Errorf(errext.InvalidConfig, "unknown partition type %q", req.Type)
	}
	deps := PartitionDeps{
		Engine:  s.engine,
		FS:      s.fs,
		DataDir: s.cfg.DataDir.String,
		Logger:  s.logger,
	}
	var config *mofka.Metadata
	if len(req.Config) > 0 {
		config = mofka.MetadataFromString(string(req.Config))
	}
	manager, err := factory(deps, req.Topic, req.UUID, config)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.nextProvider++
	providerID := s.nextProvider
	provider := NewProvider(s.engine, providerID, manager, s.metrics, s.logger)
	s.providers[req.UUID] = provider
	s.mu.Unlock()

	ack := wire.PartitionAdded{Record: wire.PartitionRecord{
		UUID:       req.UUID,
		Address:    s.engine.Address(),
		ProviderID: providerID,
	}}
	return ack.Encode(), nil
}

// Close destroys every hosted partition.
func (s *Server) Close() error {
	s.mu.Lock()
	providers := make([]*Provider, 0, len(s.providers))
	for _, p := range s.providers {
		providers = append(providers, p)
	}
	s.providers = make(map[string]*Provider)
	s.mu.Unlock()
	var firstErr error
	for _, p := range providers {
		if err := p.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
