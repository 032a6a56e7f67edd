package decoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sort"

	"github.com/caterpi11ar/rosbag-engine/internal/domain"
)

// Layout (all integers big-endian):
//
//	header (48 bytes):
//	  magic[4] = "RBE1"
//	  version  uint32
//	  startSec int64; startNsec uint32
//	  endSec   int64; endNsec   uint32
//	  indexOffset int64
//	  indexLength int64
//
//	index:
//	  topicCount uint32
//	  topics: nameLen uint16, name, encodingLen uint16, encoding,
//	          definitionLen uint32, definition
//	  recordCount uint32
//	  records: topicIndex uint16, sec int64, nsec uint32, offset int64, length uint32
//
// Record payloads themselves live wherever offset/length point; the
// decoder never assumes anything about their placement beyond that.
const (
	headerSize    = 48
	magicString   = "RBE1"
	formatVersion = uint32(1)
)

type fileHeader struct {
	StartSec    int64
	StartNsec   uint32
	EndSec      int64
	EndNsec     uint32
	IndexOffset int64
	IndexLength int64
}

var errBadMagic = errors.New("decoder: bad magic")

func readHeader(ctx context.Context, source ByteSource) (fileHeader, error) {
	raw, err := source.Read(ctx, 0, headerSize)
	if err != nil {
		return fileHeader{}, err
	}
	if len(raw) < headerSize {
		return fileHeader{}, errors.New("decoder: header truncated")
	}
	if string(raw[:4]) != magicString {
		return fileHeader{}, errBadMagic
	}
	r := bytes.NewReader(raw[4:])
	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return fileHeader{}, err
	}
	if version != formatVersion {
		return fileHeader{}, errors.New("decoder: unsupported format version")
	}
	var h fileHeader
	for _, field := range []interface{}{
		&h.StartSec, &h.StartNsec, &h.EndSec, &h.EndNsec, &h.IndexOffset, &h.IndexLength,
	} {
		if err := binary.Read(r, binary.BigEndian, field); err != nil {
			return fileHeader{}, err
		}
	}
	return h, nil
}

// recordEntry is one index entry resolved against a topic.
type recordEntry struct {
	topic  string
	time   domain.Time
	offset int64
	length uint32
}

// recordIndex is the whole recording's in-memory index: the topic
// catalog, a globally time-sorted record list, and per-topic views
// into that list (each a subsequence, so already time-sorted).
type recordIndex struct {
	topics  []domain.TopicInfo
	global  []recordEntry
	byTopic map[string][]recordEntry
}

func parseIndex(raw []byte) (*recordIndex, error) {
	r := bytes.NewReader(raw)

	var topicCount uint32
	if err := binary.Read(r, binary.BigEndian, &topicCount); err != nil {
		return nil, err
	}
	topicNames := make([]string, topicCount)
	topics := make([]domain.TopicInfo, topicCount)
	for i := range topics {
		name, err := readString16(r)
		if err != nil {
			return nil, err
		}
		encoding, err := readString16(r)
		if err != nil {
			return nil, err
		}
		definition, err := readBytes32(r)
		if err != nil {
			return nil, err
		}
		topicNames[i] = name
		topics[i] = domain.TopicInfo{
			Name: name,
			Schema: domain.Schema{
				Name:       name,
				Encoding:   encoding,
				Definition: definition,
			},
		}
	}

	var recordCount uint32
	if err := binary.Read(r, binary.BigEndian, &recordCount); err != nil {
		return nil, err
	}
	global := make([]recordEntry, recordCount)
	for i := range global {
		var topicIdx uint16
		var sec int64
		var nsec uint32
		var offset int64
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &topicIdx); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &sec); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &nsec); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &offset); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		if int(topicIdx) >= len(topicNames) {
			return nil, errors.New("decoder: record references unknown topic")
		}
		global[i] = recordEntry{
			topic:  topicNames[topicIdx],
			time:   domain.Time{Sec: sec, Nsec: nsec},
			offset: offset,
			length: length,
		}
	}
	sort.SliceStable(global, func(i, j int) bool {
		return global[i].time.Before(global[j].time)
	})

	byTopic := make(map[string][]recordEntry, len(topics))
	for _, e := range global {
		byTopic[e.topic] = append(byTopic[e.topic], e)
	}

	return &recordIndex{topics: topics, global: global, byTopic: byTopic}, nil
}

func readString16(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readBytes32(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
