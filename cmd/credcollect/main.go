// credcollect runs a continuous-rotation electron diffraction session and
// records the frames as FITS files.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/theckman/yacspin"

	"github.com/asdfdsa/instamatic/calib"
	"github.com/asdfdsa/instamatic/config"
	"github.com/asdfdsa/instamatic/cred"
	"github.com/asdfdsa/instamatic/detect"
	"github.com/asdfdsa/instamatic/imgrec"
	"github.com/asdfdsa/instamatic/remote"
	"github.com/asdfdsa/instamatic/tem"
	"github.com/asdfdsa/instamatic/track"
)

func bench(c *config.Config, simulate bool) *tem.Ctrl {
	sim := tem.NewSim(tem.SimConfig{
		Width:   c.Camera.Width,
		Height:  c.Camera.Height,
		Binning: c.Camera.DefaultBinning,
	})
	if simulate || c.BridgeAddr == "" {
		return sim
	}
	return remote.New(c.BridgeAddr).Ctrl(sim.Cam)
}

// tracker captures a reference image and pairs it with the stored beam shift
// calibration.  The reference goes through the same defocus swap the
// session's tracking frames use, so the crops correlate in matching lens
// states.  Tracking is skipped with a warning when the calibration file is
// absent.
func tracker(ctrl *tem.Ctrl, c *config.Config, exposure time.Duration, defocus float64) *track.Corrector {
	bs, err := calib.LoadBeamShift(filepath.Join(c.CalibDir, "beamshift.yaml"))
	if err != nil {
		log.Println("beam shift tracking disabled:", err)
		return nil
	}
	ref, err := cred.CaptureDefocused(ctrl, exposure/5, defocus)
	if err != nil {
		log.Println("beam shift tracking disabled:", err)
		return nil
	}
	tr, err := track.New(ref.Data, bs, ctrl.BeamShift, detect.Options{})
	if err != nil {
		log.Println("beam shift tracking disabled:", err)
		return nil
	}
	return tr
}

func main() {
	var (
		cfgPath   = flag.String("config", "instamatic.yml", "path to the configuration file")
		exposure  = flag.Float64("exposure", 0, "frame exposure in seconds; zero uses the configured value")
		interval  = flag.Int("interval", 0, "frames between tracking captures; zero uses the configured value")
		defocus   = flag.Float64("defocus", 0, "diffraction defocus offset for tracking frames; zero uses the configured value")
		autotrack = flag.Bool("autotrack", false, "correct crystal drift with the beam shift deflector")
		maxframes = flag.Int("maxframes", 0, "stop after this many frames; zero runs until interrupted")
		simulate  = flag.Bool("simulate", false, "use the simulated bench even if a bridge is configured")
	)
	flag.Parse()

	c, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if *exposure == 0 {
		*exposure = c.CRED.ExposureSec
	}
	if *interval == 0 {
		*interval = c.CRED.ImageInterval
	}
	if *defocus == 0 {
		*defocus = c.CRED.DiffDefocus
	}
	ctrl := bench(c, *simulate)

	rec := &imgrec.Recorder{Root: c.DataDir}

	opts := cred.Options{
		Exposure:            time.Duration(*exposure * float64(time.Second)),
		ImageInterval:       *interval,
		DiffDefocus:         *defocus,
		ActivationThreshold: c.CRED.ActivationThreshold,
		MaxFrames:           *maxframes,
		RotationAxisOffset:  c.Microscope.RotationAxisOffset,
	}
	if *autotrack {
		opts.Tracker = tracker(ctrl, c, opts.Exposure, opts.DiffDefocus)
	}

	exp, err := cred.New(ctrl, rec, opts)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	spin, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[14],
		Suffix:          " collecting",
		SuffixAutoColon: true,
		Message:         "waiting for rotation to start",
		StopCharacter:   "done",
		StopColors:      []string{"fgGreen"},
	})
	if err != nil {
		log.Fatal(err)
	}
	spin.Start()

	meta, err := exp.Run(ctx)
	spin.Stop()
	if err != nil {
		log.Fatal(err)
	}
	dir := rec.Dir(meta.Start)
	if err := cred.WriteRunLog(dir, meta); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("collected %d frames over %.2f deg in %s\n",
		meta.NFrames, meta.EndAngle-meta.StartAngle, meta.End.Sub(meta.Start).Round(time.Millisecond))
	fmt.Println("wrote", dir)
}
