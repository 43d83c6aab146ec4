package conn

// Desc contains a description of a connection's server, captured during the
// post-dial handshake.
type Desc struct {
	Endpoint            Endpoint
	GitVersion          string
	Version             Version
	MaxBSONObjectSize   uint32
	MaxMessageSizeBytes uint32
	MaxWriteBatchSize   uint32
	WireVersion         Range
	ReadOnly            bool
	SetName             string
}

// Range is a an inclusive version range.
type Range struct {
	Min int32
	Max int32
}

// Includes returns whether i is within the range.
func (r Range) Includes(i int32) bool {
	return i >= r.Min && i <= r.Max
}
