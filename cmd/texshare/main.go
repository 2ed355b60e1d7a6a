// Command texshare publishes and consumes shared frame streams, for
// exercising and debugging the transport from a shell.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"os"

	"golang.org/x/image/draw"

	"github.com/gogpu/texshare"
	"github.com/gogpu/texshare/registry"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(os.Args[2:])
	case "receive":
		err = runReceive(os.Args[2:])
	case "list":
		err = runList(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("texshare %s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: texshare <command> [flags]

commands:
  send     publish an animated test pattern under a sender name
  receive  attach to a sender and save incoming frames as PNG
  list     list the registered senders`)
}

func parseMode(s string) (texshare.Mode, error) {
	switch s {
	case "auto":
		return texshare.ModeAuto, nil
	case "gpu":
		return texshare.ModeGPU, nil
	case "staged":
		return texshare.ModeStaged, nil
	case "memory":
		return texshare.ModeMemory, nil
	default:
		return texshare.ModeAuto, fmt.Errorf("unknown mode %q", s)
	}
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var (
		name   = fs.String("name", "TestPattern", "sender name")
		width  = fs.Int("width", 640, "frame width")
		height = fs.Int("height", 360, "frame height")
		fps    = fs.Int("fps", 30, "frame rate")
		frames = fs.Int("frames", 0, "frame count, 0 runs forever")
		mode   = fs.String("mode", "auto", "sharing mode: auto|gpu|staged|memory")
	)
	fs.Parse(args)

	m, err := parseMode(*mode)
	if err != nil {
		return err
	}
	s := texshare.NewSender(*name, texshare.WithMode(m))
	defer s.Close()

	// The pattern renders at a fixed small size and is scaled to the
	// requested frame size, so large frames stay cheap to animate.
	base := image.NewRGBA(image.Rect(0, 0, 160, 90))
	frame := image.NewRGBA(image.Rect(0, 0, *width, *height))

	for i := 0; *frames == 0 || i < *frames; i++ {
		renderPattern(base, i)
		draw.ApproxBiLinear.Scale(frame, frame.Bounds(), base, base.Bounds(), draw.Src, nil)
		if err := s.WriteFrame(frame.Pix, uint32(*width), uint32(*height), false); err != nil {
			return err
		}
		if i == 0 {
			log.Printf("sending %q %dx%d on tier %s", *name, *width, *height, s.ActiveTier())
		}
		s.HoldFps(*fps)
	}
	log.Printf("sent %d frames, fps %.1f", s.FrameCount(), s.Fps())
	return nil
}

// renderPattern draws a gradient with a sweeping bar, varying per tick so
// receivers can see motion.
func renderPattern(img *image.RGBA, tick int) {
	b := img.Bounds()
	barX := (tick * 3) % b.Dx()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBA{
				R: uint8(x * 255 / b.Dx()),
				G: uint8(y * 255 / b.Dy()),
				B: uint8(tick),
				A: 0xFF,
			}
			if x >= barX && x < barX+8 {
				c = color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
			}
			img.SetRGBA(x, y, c)
		}
	}
}

func runReceive(args []string) error {
	fs := flag.NewFlagSet("receive", flag.ExitOnError)
	var (
		name   = fs.String("name", "", "sender name, empty follows the active sender")
		out    = fs.String("out", "", "PNG filename prefix; empty prints frame stats only")
		frames = fs.Int("frames", 10, "frames to receive")
		mode   = fs.String("mode", "auto", "sharing mode: auto|gpu|staged|memory")
	)
	fs.Parse(args)

	m, err := parseMode(*mode)
	if err != nil {
		return err
	}
	r := texshare.NewReceiver(*name, texshare.WithMode(m))
	defer r.Close()
	if err := r.Open(false); err != nil {
		return err
	}
	w, h := r.Size()
	log.Printf("receiving %q %dx%d on tier %s", r.Name(), w, h, r.ActiveTier())

	img := image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
	for n := 0; n < *frames; {
		if !r.IsNewFrame() {
			r.HoldFps(240)
			continue
		}
		err := r.ReadFrame(img.Pix, w, h, false)
		if err != nil {
			if r.Updated() {
				// The sender resized; renegotiate and resize our buffer.
				if err := r.Open(false); err != nil {
					return err
				}
				w, h = r.Size()
				img = image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
				log.Printf("sender resized to %dx%d", w, h)
				continue
			}
			return err
		}
		n++
		if *out == "" {
			log.Printf("frame %d of %d, count %d, fps %.1f", n, *frames, r.FrameCount(), r.Fps())
			continue
		}
		path := fmt.Sprintf("%s_%04d.png", *out, n)
		if err := savePNG(path, img); err != nil {
			return err
		}
		log.Printf("saved %s", path)
	}
	return nil
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Parse(args)

	dir, err := registry.NewShared()
	if err != nil {
		return err
	}
	defer dir.Close()

	names := dir.List()
	if len(names) == 0 {
		log.Println("no senders registered")
		return nil
	}
	active, _ := dir.Active()
	for _, name := range names {
		e, ok := dir.Lookup(name)
		if !ok {
			continue
		}
		marker := " "
		if name == active {
			marker = "*"
		}
		share := "texture"
		if e.CPUShare {
			share = "memory"
		}
		log.Printf("%s %-24s %4dx%-4d %-5s %-7s pid %d", marker, e.Name, e.Width, e.Height, e.Format, share, e.PID)
	}
	return nil
}
