package texshare

// Tier is the transport path a session settled on after probing.
// Higher tiers cost fewer copies; every tier carries the same frames.
type Tier int

const (
	// TierUninitialized is a session before Open.
	TierUninitialized Tier = iota

	// TierProbing is the transient state while capabilities are tested
	// and a tier is selected.
	TierProbing

	// TierInterop shares a single texture between processes; frames
	// never leave graphics memory.
	TierInterop

	// TierStaged moves frames through the GPU's staging buffers and a
	// shared host-memory payload.
	TierStaged

	// TierHostMemory moves frames purely through shared host memory.
	TierHostMemory

	// TierClosed is a session after Close.
	TierClosed
)

func (t Tier) String() string {
	switch t {
	case TierUninitialized:
		return "uninitialized"
	case TierProbing:
		return "probing"
	case TierInterop:
		return "interop"
	case TierStaged:
		return "staged"
	case TierHostMemory:
		return "hostmemory"
	case TierClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Mode is the caller's sharing preference. ModeAuto picks the best tier
// the capability record allows; the explicit modes request a specific
// tier and fall back to the next best one when it is unavailable.
type Mode int

const (
	ModeAuto Mode = iota
	ModeGPU
	ModeStaged
	ModeMemory
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeGPU:
		return "gpu"
	case ModeStaged:
		return "staged"
	case ModeMemory:
		return "memory"
	default:
		return "unknown"
	}
}
