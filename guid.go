package rtps

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

// GuidPrefix identifies a participant. Bytes 0-1 hold the vendor id, 2-7 the
// node id, 8-9 the process id and 10-11 a per-generator counter.
type GuidPrefix [12]byte

// EntityID identifies an entity within a participant. The last byte is the
// entity kind.
type EntityID [4]byte

type GUID struct {
	Prefix GuidPrefix
	Entity EntityID
}

var (
	GuidPrefixUnknown   = GuidPrefix{}
	EntityIDUnknown     = EntityID{}
	EntityIDParticipant = EntityID{0x00, 0x00, 0x01, 0xc1}
)

// Entity kinds for user defined endpoints.
const (
	EntityKindUserWriterWithKey = 0x02
	EntityKindUserWriterNoKey   = 0x03
	EntityKindUserReaderNoKey   = 0x04
	EntityKindUserReaderWithKey = 0x07
)

func (p GuidPrefix) String() string {
	return hex.EncodeToString(p[:4]) + "." + hex.EncodeToString(p[4:8]) + "." + hex.EncodeToString(p[8:])
}

func (e EntityID) String() string {
	return hex.EncodeToString(e[:])
}

func (g GUID) String() string {
	return fmt.Sprintf("%s.%s", g.Prefix, g.Entity)
}

// NewEntityID builds an entity id from a 24 bit key and a kind.
func NewEntityID(key uint32, kind uint8) EntityID {
	return EntityID{byte(key >> 16), byte(key >> 8), byte(key), kind}
}

type ProtocolVersion struct {
	Major, Minor uint8
}

var ProtocolVersionCurrent = ProtocolVersion{2, 4}

type VendorID [2]byte

var (
	VendorIDUnknown = VendorID{}
	DefaultVendorID = VendorID{0x01, 0x03}
)

// GuidGenerator hands out participant prefixes that are distinct for the life
// of the process. It is safe for concurrent use.
type GuidGenerator struct {
	mu      sync.Mutex
	vendor  VendorID
	node    [6]byte
	pid     uint16
	counter uint16
}

func NewGuidGenerator() *GuidGenerator {
	return NewGuidGeneratorWithVendor(DefaultVendorID)
}

func NewGuidGeneratorWithVendor(vendor VendorID) *GuidGenerator {
	g := &GuidGenerator{
		vendor: vendor,
		pid:    uint16(os.Getpid()),
	}
	copy(g.node[:], uuid.NodeID())
	if g.node == [6]byte{} {
		g.node = randomNodeID()
	}
	return g
}

// Populate writes the next prefix into prefix.
func (g *GuidGenerator) Populate(prefix *GuidPrefix) {
	g.mu.Lock()
	defer g.mu.Unlock()

	counter := g.counter
	g.counter++
	if g.counter == 0 {
		// the counter space is exhausted for this node id
		old := g.node
		g.node = randomNodeID()
		log.Warningf("guid counter wrapped, node id %x replaced by %x", old, g.node)
	}

	prefix[0] = g.vendor[0]
	prefix[1] = g.vendor[1]
	copy(prefix[2:8], g.node[:])
	prefix[8] = byte(g.pid >> 8)
	prefix[9] = byte(g.pid)
	prefix[10] = byte(counter >> 8)
	prefix[11] = byte(counter)
}

func (g *GuidGenerator) NewPrefix() GuidPrefix {
	var p GuidPrefix
	g.Populate(&p)
	return p
}

func (g *GuidGenerator) NewGUID(entity EntityID) GUID {
	return GUID{Prefix: g.NewPrefix(), Entity: entity}
}

// randomNodeID returns a random locally administered unicast MAC style id.
func randomNodeID() [6]byte {
	var id [6]byte
	for id == [6]byte{} {
		if _, err := rand.Read(id[:]); err != nil {
			id = [6]byte{0x02, 0, 0, 0, 0, 1}
		}
	}
	id[0] = id[0]&^0x01 | 0x02
	return id
}
