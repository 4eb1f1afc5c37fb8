package wire

import (
	"github.com/mochi-hpc/mofka-go/archive"
)

// CreateTopic writes a topic's immutable configuration into the directory.
// The three blobs are serialized component configurations.
type CreateTopic struct {
	Name       string
	Validator  []byte
	Selector   []byte
	Serializer []byte
}

func (m *CreateTopic) Encode() []byte {
	out := &archive.Buffer{}
	_ = archive.WriteString(out, m.Name)
	_ = archive.WriteBytes(out, m.Validator)
	_ = archive.WriteBytes(out, m.Selector)
	_ = archive.WriteBytes(out, m.Serializer)
	return out.Bytes()
}

func (m *CreateTopic) Decode(p []byte) error {
	in := archive.NewBuffer(p)
	var err error
	if m.Name, err = archive.ReadString(in); err != nil {
		return badMessage(err)
	}
	if m.Validator, err = archive.ReadBytes(in); err != nil {
		return badMessage(err)
	}
	if m.Selector, err = archive.ReadBytes(in); err != nil {
		return badMessage(err)
	}
	if m.Serializer, err = archive.ReadBytes(in); err != nil {
		return badMessage(err)
	}
	return nil
}

// OpenTopic fetches a topic's configuration and partition roster.
type OpenTopic struct {
	Name string
}

func (m *OpenTopic) Encode() []byte {
	out := &archive.Buffer{}
	_ = archive.WriteString(out, m.Name)
	return out.Bytes()
}

func (m *OpenTopic) Decode(p []byte) error {
	var err error
	m.Name, err = archive.ReadString(archive.NewBuffer(p))
	if err != nil {
		return badMessage(err)
	}
	return nil
}

// PartitionRecord locates one partition: its stable UUID and the provider
// hosting it.
type PartitionRecord struct {
	UUID       string
	Address    string
	ProviderID uint16
}

// TopicInfo is the answer to OpenTopic.
type TopicInfo struct {
	Validator  []byte
	Selector   []byte
	Serializer []byte
	Partitions []PartitionRecord
}

func (m *TopicInfo) Encode() []byte {
	out := &archive.Buffer{}
	_ = archive.WriteBytes(out, m.Validator)
	_ = archive.WriteBytes(out, m.Selector)
	_ = archive.WriteBytes(out, m.Serializer)
	_ = archive.WriteUint64(out, uint64(len(m.Partitions)))
	for _, p := range m.Partitions {
		_ = archive.WriteString(out, p.UUID)
		_ = archive.WriteString(out, p.Address)
		_ = archive.WriteUint16(out, p.ProviderID)
	}
	return out.Bytes()
}

func (m *TopicInfo) Decode(p []byte) error {
	in := archive.NewBuffer(p)
	var err error
	if m.Validator, err = archive.ReadBytes(in); err != nil {
		return badMessage(err)
	}
	if m.Selector, err = archive.ReadBytes(in); err != nil {
		return badMessage(err)
	}
	if m.Serializer, err = archive.ReadBytes(in); err != nil {
		return badMessage(err)
	}
	n, err := archive.ReadUint64(in)
	if err != nil {
		return badMessage(err)
	}
	m.Partitions = make([]PartitionRecord, n)
	for i := range m.Partitions {
		if m.Partitions[i].UUID, err = archive.ReadString(in); err != nil {
			return badMessage(err)
		}
		if m.Partitions[i].Address, err = archive.ReadString(in); err != nil {
			return badMessage(err)
		}
		if m.Partitions[i].ProviderID, err = archive.ReadUint16(in); err != nil {
			return badMessage(err)
		}
	}
	return nil
}

// AddPartition asks the directory service to create a partition of the
// given type for a topic on the server at ServerRank in the group.
type AddPartition struct {
	Topic      string
	ServerRank uint64
	Type       string
	Config     []byte
}

func (m *AddPartition) Encode() []byte {
	out := &archive.Buffer{}
	_ = archive.WriteString(out, m.Topic)
	_ = archive.WriteUint64(out, m.ServerRank)
	_ = archive.WriteString(out, m.Type)
	_ = archive.WriteBytes(out, m.Config)
	return out.Bytes()
}

func (m *AddPartition) Decode(p []byte) error {
	in := archive.NewBuffer(p)
	var err error
	if m.Topic, err = archive.ReadString(in); err != nil {
		return badMessage(err)
	}
	if m.ServerRank, err = archive.ReadUint64(in); err != nil {
		return badMessage(err)
	}
	if m.Type, err = archive.ReadString(in); err != nil {
		return badMessage(err)
	}
	if m.Config, err = archive.ReadBytes(in); err != nil {
		return badMessage(err)
	}
	return nil
}

// SpawnPartition is the internal master-to-member request to spin up a
// partition provider. The answer is a PartitionAdded record carrying the
// member's address and the provider ID the partition was bound to.
type SpawnPartition struct {
	Topic  string
	UUID   string
	Type   string
	Config []byte
}

func (m *SpawnPartition) Encode() []byte {
	out := &archive.Buffer{}
	_ = archive.WriteString(out, m.Topic)
	_ = archive.WriteString(out, m.UUID)
	_ = archive.WriteString(out, m.Type)
	_ = archive.WriteBytes(out, m.Config)
	return out.Bytes()
}

func (m *SpawnPartition) Decode(p []byte) error {
	in := archive.NewBuffer(p)
	var err error
	if m.Topic, err = archive.ReadString(in); err != nil {
		return badMessage(err)
	}
	if m.UUID, err = archive.ReadString(in); err != nil {
		return badMessage(err)
	}
	if m.Type, err = archive.ReadString(in); err != nil {
		return badMessage(err)
	}
	if m.Config, err = archive.ReadBytes(in); err != nil {
		return badMessage(err)
	}
	return nil
}

// PartitionAdded answers AddPartition and SpawnPartition.
type PartitionAdded struct {
	Record PartitionRecord
}

func (m *PartitionAdded) Encode() []byte {
	out := &archive.Buffer{}
	_ = archive.WriteString(out, m.Record.UUID)
	_ = archive.WriteString(out, m.Record.Address)
	_ = archive.WriteUint16(out, m.Record.ProviderID)
	return out.Bytes()
}

func (m *PartitionAdded) Decode(p []byte) error {
	in := archive.NewBuffer(p)
	var err error
	if m.Record.UUID, err = archive.ReadString(in); err != nil {
		return badMessage(err)
	}
	if m.Record.Address, err = archive.ReadString(in); err != nil {
		return badMessage(err)
	}
	if m.Record.ProviderID, err = archive.ReadUint16(in); err != nil {
		return badMessage(err)
	}
	return nil
}
