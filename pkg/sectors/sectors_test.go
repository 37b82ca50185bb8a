package sectors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromBytesRoundsUp(t *testing.T) {
	assert.Equal(t, Sectors(1), FromBytes(1))
	assert.Equal(t, Sectors(1), FromBytes(SectorSize))
	assert.Equal(t, Sectors(2), FromBytes(SectorSize+1))
}

func TestBytesRoundTrip(t *testing.T) {
	s := Sectors(2048)
	assert.Equal(t, s, FromBytes(s.Bytes()))
}

func TestMiBAndGiB(t *testing.T) {
	assert.Equal(t, MiB*1024, GiB)
}
