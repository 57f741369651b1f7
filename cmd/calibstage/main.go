// calibstage runs the stage or beam shift calibration routine and writes the
// fitted transform to a YAML file the acquisition tools read back.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/theckman/yacspin"

	"github.com/asdfdsa/instamatic/calib"
	"github.com/asdfdsa/instamatic/config"
	"github.com/asdfdsa/instamatic/remote"
	"github.com/asdfdsa/instamatic/tem"
)

func spinner(suffix string) (*yacspin.Spinner, error) {
	cfg := yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[14],
		Suffix:          " " + suffix,
		SuffixAutoColon: true,
		StopCharacter:   "done",
		StopColors:      []string{"fgGreen"},
	}
	return yacspin.New(cfg)
}

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

func main() {
	var (
		cfgPath   = flag.String("config", "instamatic.yml", "path to the configuration file")
		mode      = flag.String("mode", "", "imaging mode to calibrate; empty calibrates at the current state")
		mag       = flag.Int("mag", 0, "magnification to calibrate, used with -mode")
		gridsize  = flag.Int("grid", 5, "odd grid edge length for the displacement scan")
		stepsize  = flag.Float64("step", 2500, "stage displacement per grid step, nm")
		beamshift = flag.Bool("beamshift", false, "calibrate the beam shift deflector instead of the stage")
		all       = flag.Bool("all", false, "calibrate every configured mode and magnification")
		simulate  = flag.Bool("simulate", false, "use the simulated bench even if a bridge is configured")
		plot      = flag.Bool("plot", false, "write a scatter plot of observed vs fitted shifts")
	)
	flag.Parse()

	c, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if c.CalibDir != "" {
		if err := os.MkdirAll(c.CalibDir, 0755); err != nil {
			log.Fatal(err)
		}
	}
	ctrl := bench(c, *simulate)
	runner := calib.NewRunner(ctrl, c)

	switch {
	case *beamshift:
		spin, err := spinner("calibrating beam shift")
		if err != nil {
			log.Fatal(err)
		}
		spin.Start()
		bs, err := runner.RunBeamShiftGrid(*gridsize, *stepsize)
		spin.Stop()
		if err != nil {
			log.Fatal(err)
		}
		path := filepath.Join(c.CalibDir, "beamshift.yaml")
		if err := bs.Save(path); err != nil {
			log.Fatal(err)
		}
		fmt.Println("wrote", path)

	case *all:
		spin, err := spinner("calibrating all configured modes")
		if err != nil {
			log.Fatal(err)
		}
		spin.Start()
		results, err := runner.CalibrateAll()
		spin.Stop()
		if err != nil {
			log.Fatal(err)
		}
		c.Calibration = results
		path := filepath.Join(c.CalibDir, "calibration.yaml")
		f, err := os.Create(path)
		if err != nil {
			log.Fatal(err)
		}
		err = c.WriteYAML(f)
		f.Close()
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println("wrote", path)

	default:
		var (
			st  calib.Stage
			err error
		)
		spin, serr := spinner("calibrating stage")
		if serr != nil {
			log.Fatal(serr)
		}
		spin.Start()
		if *mode != "" {
			st, err = runner.Calibrate(*mode, *mag)
		} else {
			st, err = runner.RunGrid(*gridsize, *stepsize)
		}
		spin.Stop()
		if err != nil {
			log.Fatal(err)
		}
		path := filepath.Join(c.CalibDir, "stage.yaml")
		if err := st.Save(path); err != nil {
			log.Fatal(err)
		}
		fmt.Println("wrote", path)
		if *plot {
			png := filepath.Join(c.CalibDir, "stage.png")
			if err := calib.PlotSamples(st, png); err != nil {
				log.Fatal(err)
			}
			fmt.Println("wrote", png)
		}
	}
}
