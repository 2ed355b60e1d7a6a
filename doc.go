// Package texshare shares rendered frames between processes on one machine.
//
// # Overview
//
// A producer publishes frames under a sender name; any number of consumer
// processes attach to that name and read the latest frame. Frames travel
// over the fastest transport the machine supports, negotiated once at open:
//
//   - interop: a single shared texture, frames never leave graphics memory
//   - staged: GPU staging buffers bridged through shared host memory
//   - hostmemory: shared host memory only, no graphics device required
//
// # Quick Start
//
//	import "github.com/gogpu/texshare"
//
//	// Producer: publish a frame per render tick.
//	s := texshare.NewSender("TestPattern")
//	defer s.Close()
//	for running {
//		s.WriteFrame(pix, 1920, 1080, false)
//		s.HoldFps(60)
//	}
//
//	// Consumer: follow the active sender.
//	r := texshare.NewReceiver("")
//	defer r.Close()
//	if err := r.Open(false); err != nil { ... }
//	for running {
//		if r.IsNewFrame() {
//			r.ReadFrame(pix, w, h, false)
//		}
//	}
//
// # Discovery
//
// Senders register in a machine-wide shared-memory directory (package
// registry). Receivers look senders up by name or follow the "active"
// sender, and renegotiate through Updated/SenderSize when a sender resizes.
//
// # Synchronization
//
// Each sender owns a cross-process frame mutex and a monotonic frame
// counter in named shared memory. Writers take the mutex per frame with a
// 67 ms bound and skip the frame on timeout; readers poll IsNewFrame
// without blocking the producer.
//
// # Adapters
//
// Graphics backends plug in through package gfx. gfx/software (pure CPU,
// always available) is the default; gfx/wgpu runs on gogpu/wgpu devices
// and can share the host application's device via gpucontext.
package texshare
