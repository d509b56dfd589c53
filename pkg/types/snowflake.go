package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// SnowflakeEpoch is the zero point of the snowflake timestamp field.
var SnowflakeEpoch = time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)

const (
	nodeBits     = 10
	sequenceBits = 12
	maxNode      = 1<<nodeBits - 1
	maxSequence  = 1<<sequenceBits - 1
	timeShift    = nodeBits + sequenceBits
)

// Snowflake is a 64-bit, time-ordered event identifier.
// Layout: 41 bits of milliseconds since SnowflakeEpoch, 10 bits node, 12 bits sequence.
type Snowflake uint64

// String returns the decimal form.
func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// Time returns the wall-clock millisecond the snowflake was minted in.
func (s Snowflake) Time() time.Time {
	ms := int64(s >> timeShift)
	return SnowflakeEpoch.Add(time.Duration(ms) * time.Millisecond)
}

// MarshalJSON encodes the snowflake as a string so JavaScript consumers keep full precision.
func (s Snowflake) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts both the string and the numeric form.
func (s *Snowflake) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		n, err := strconv.ParseUint(str, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid snowflake %q: %w", str, err)
		}
		*s = Snowflake(n)
		return nil
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid snowflake: %w", err)
	}
	*s = Snowflake(n)
	return nil
}

// SnowflakeGenerator mints strictly increasing snowflakes.
type SnowflakeGenerator struct {
	mu     sync.Mutex
	node   uint64
	lastMS uint64
	seq    uint64
	now    func() time.Time
}

// NewSnowflakeGenerator creates a generator for the given node id (0-1023).
func NewSnowflakeGenerator(node uint16) *SnowflakeGenerator {
	return &SnowflakeGenerator{
		node: uint64(node) & maxNode,
		now:  time.Now,
	}
}

// Next returns a snowflake strictly greater than every previously returned one.
// When the wall clock steps backwards the generator keeps counting from its last timestamp.
func (g *SnowflakeGenerator) Next() Snowflake {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := uint64(g.now().Sub(SnowflakeEpoch).Milliseconds())
	if ms < g.lastMS {
		ms = g.lastMS
	}

	if ms == g.lastMS {
		g.seq++
		if g.seq > maxSequence {
			// sequence exhausted for this millisecond, borrow the next one
			g.seq = 0
			ms++
		}
	} else {
		g.seq = 0
	}
	g.lastMS = ms

	return Snowflake(ms<<timeShift | g.node<<sequenceBits | g.seq)
}
