package texshare

import (
	"os"
	"strconv"
)

// Settings are the machine/user-level knobs read from the environment
// once per session open. Options passed to NewSender/NewReceiver take
// precedence over settings; settings take precedence over defaults.
//
// Recognized variables:
//
//	TEXSHARE_MODE     auto | gpu | staged | memory
//	TEXSHARE_BUFFERS  staging slot count, 2..4
//	TEXSHARE_ADAPTER  registered gfx adapter name, e.g. "software"
type Settings struct {
	Mode    Mode
	Buffers int
	Adapter string
}

// LoadSettings reads the environment. Unset or unparseable variables
// leave the zero values, which the session replaces with its defaults.
func LoadSettings() Settings {
	var s Settings
	switch os.Getenv("TEXSHARE_MODE") {
	case "gpu":
		s.Mode = ModeGPU
	case "staged":
		s.Mode = ModeStaged
	case "memory":
		s.Mode = ModeMemory
	default:
		s.Mode = ModeAuto
	}
	if n, err := strconv.Atoi(os.Getenv("TEXSHARE_BUFFERS")); err == nil && n > 0 {
		s.Buffers = n
	}
	s.Adapter = os.Getenv("TEXSHARE_ADAPTER")
	return s
}
