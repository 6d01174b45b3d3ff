package proto

import "errors"

// Errors returned by phase transitions.
var (
	ErrMissingProtocolVersion = errors.New("cannot leave negotiation without a protocol version")
	ErrMissingChecksumSeed    = errors.New("cannot leave negotiation without a checksum seed")
	ErrMissingFileCount       = errors.New("cannot start transfer without a file count")
)

// Phase identifies where a session is in its one-way progression.
type Phase byte

// Session phases, in order.
const (
	PhaseNegotiation Phase = iota
	PhaseFileList
	PhaseTransfer
	PhaseFinalize
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseNegotiation:
		return "negotiation"
	case PhaseFileList:
		return "file-list"
	case PhaseTransfer:
		return "transfer"
	case PhaseFinalize:
		return "finalize"
	}
	return "unknown"
}

// Summary is the cumulative outcome reported once a session reaches the
// finalize phase.
type Summary struct {
	ProtocolVersion  Version
	TotalFiles       int
	FilesTransferred int
}

// sessionData is the cumulative context carried across phases.
type sessionData struct {
	version          Version
	haveVersion      bool
	seed             uint32
	haveSeed         bool
	fileCount        int
	haveFileCount    bool
	filesTransferred int
}

// Negotiation is the opening phase: the peer's protocol version and the
// checksum seed are collected here.
type Negotiation struct {
	d sessionData
}

// NewSession returns a session in the negotiation phase.
func NewSession() *Negotiation {
	return &Negotiation{}
}

// SetProtocolVersion records the negotiated version.
func (n *Negotiation) SetProtocolVersion(v Version) {
	n.d.version = v
	n.d.haveVersion = true
}

// SetChecksumSeed records the per-session checksum seed.
func (n *Negotiation) SetChecksumSeed(seed uint32) {
	n.d.seed = seed
	n.d.haveSeed = true
}

// BeginFileList moves to the file list phase. Both the protocol version
// and the checksum seed must have been recorded.
func (n *Negotiation) BeginFileList() (*FileList, error) {
	if !n.d.haveVersion {
		return nil, ErrMissingProtocolVersion
	}
	if !n.d.haveSeed {
		return nil, ErrMissingChecksumSeed
	}
	return &FileList{d: n.d}, nil
}

// FileList is the phase during which entries are exchanged.
type FileList struct {
	d sessionData
}

// ProtocolVersion returns the negotiated version.
func (f *FileList) ProtocolVersion() Version { return f.d.version }

// ChecksumSeed returns the session seed.
func (f *FileList) ChecksumSeed() uint32 { return f.d.seed }

// SetFileCount records how many entries the list holds.
func (f *FileList) SetFileCount(count int) {
	f.d.fileCount = count
	f.d.haveFileCount = true
}

// BeginTransfer moves to the transfer phase. The file count must have
// been recorded.
func (f *FileList) BeginTransfer() (*Transfer, error) {
	if !f.d.haveFileCount {
		return nil, ErrMissingFileCount
	}
	return &Transfer{d: f.d}, nil
}

// Transfer is the phase during which file data moves.
type Transfer struct {
	d sessionData
}

// ProtocolVersion returns the negotiated version.
func (t *Transfer) ProtocolVersion() Version { return t.d.version }

// ChecksumSeed returns the session seed.
func (t *Transfer) ChecksumSeed() uint32 { return t.d.seed }

// FileCount returns the size of the file list.
func (t *Transfer) FileCount() int { return t.d.fileCount }

// RecordTransfer increments the monotonic transferred counter.
func (t *Transfer) RecordTransfer() {
	t.d.filesTransferred++
}

// FilesTransferred returns how many transfers have been recorded.
func (t *Transfer) FilesTransferred() int { return t.d.filesTransferred }

// BeginFinalize moves to the finalize phase. It cannot fail.
func (t *Transfer) BeginFinalize() *Finalize {
	return &Finalize{d: t.d}
}

// Finalize is the terminal phase.
type Finalize struct {
	d sessionData
}

// Summary reports the session statistics.
func (f *Finalize) Summary() Summary {
	return Summary{
		ProtocolVersion:  f.d.version,
		TotalFiles:       f.d.fileCount,
		FilesTransferred: f.d.filesTransferred,
	}
}

// DynamicSession exposes the same progression as the typed phases
// through a single value for call sites which iterate over sessions
// generically. The invariants and errors are identical.
type DynamicSession struct {
	phase Phase
	d     sessionData
}

// NewDynamicSession returns a dynamic session in the negotiation phase.
func NewDynamicSession() *DynamicSession {
	return &DynamicSession{}
}

// Phase returns the current phase.
func (s *DynamicSession) Phase() Phase { return s.phase }

// SetProtocolVersion records the negotiated version.
func (s *DynamicSession) SetProtocolVersion(v Version) {
	s.d.version = v
	s.d.haveVersion = true
}

// SetChecksumSeed records the per-session checksum seed.
func (s *DynamicSession) SetChecksumSeed(seed uint32) {
	s.d.seed = seed
	s.d.haveSeed = true
}

// SetFileCount records how many entries the list holds.
func (s *DynamicSession) SetFileCount(count int) {
	s.d.fileCount = count
	s.d.haveFileCount = true
}

// RecordTransfer increments the transferred counter.
func (s *DynamicSession) RecordTransfer() {
	s.d.filesTransferred++
}

// FilesTransferred returns how many transfers have been recorded.
func (s *DynamicSession) FilesTransferred() int { return s.d.filesTransferred }

// Advance moves to the next phase, enforcing the same requirements as
// the typed transitions. Advancing from finalize stays in finalize.
func (s *DynamicSession) Advance() (Phase, error) {
	switch s.phase {
	case PhaseNegotiation:
		if !s.d.haveVersion {
			return s.phase, ErrMissingProtocolVersion
		}
		if !s.d.haveSeed {
			return s.phase, ErrMissingChecksumSeed
		}
		s.phase = PhaseFileList
	case PhaseFileList:
		if !s.d.haveFileCount {
			return s.phase, ErrMissingFileCount
		}
		s.phase = PhaseTransfer
	case PhaseTransfer:
		s.phase = PhaseFinalize
	}
	return s.phase, nil
}

// Summary reports the statistics once the finalize phase is reached,
// and nil before that.
func (s *DynamicSession) Summary() *Summary {
	if s.phase != PhaseFinalize {
		return nil
	}
	return &Summary{
		ProtocolVersion:  s.d.version,
		TotalFiles:       s.d.fileCount,
		FilesTransferred: s.d.filesTransferred,
	}
}
