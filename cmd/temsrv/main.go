package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"goji.io"
	"goji.io/pat"
	yml "gopkg.in/yaml.v2"

	"github.com/asdfdsa/instamatic/calib"
	"github.com/asdfdsa/instamatic/config"
	temhttp "github.com/asdfdsa/instamatic/generichttp/tem"
	"github.com/asdfdsa/instamatic/remote"
	"github.com/asdfdsa/instamatic/server"
	"github.com/asdfdsa/instamatic/server/middleware/locker"
	"github.com/asdfdsa/instamatic/tem"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "instamatic.yml"
)

func root() {
	str := `temsrv exposes a transmission electron microscope over HTTP.
This enables a server-client architecture, and the clients can leverage the
excellent HTTP libraries for any programming language.

Usage:
	temsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `temsrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

With no configuration file the built-in defaults are used, which serve the
simulated bench at :8000.

Set bridgeaddr to the host:port of the microscope bridge to drive real
hardware.  The camera remains simulated until a detector bridge exists; use
the frame endpoint to verify connectivity.

Routes are served under /tem/*, with /lock and /endpoints at the root.
POST true to /lock before an acquisition session to reject mutating requests
from other clients with 423 until unlocked.`
	fmt.Println(str)
}

func mkconf() {
	c := config.Defaults()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := c.WriteYAML(f); err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	if err := yml.NewEncoder(os.Stdout).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("temsrv version %v\n", Version)
}

// lockRoutes carries the root-level route table so the lock middleware can
// inject its endpoints the same way the instrument wrappers do.
type lockRoutes struct {
	rt server.RouteTable
}

func (l lockRoutes) RT() server.RouteTable { return l.rt }

func buildBench(c *config.Config) *tem.Ctrl {
	sim := tem.NewSim(tem.SimConfig{
		Width:   c.Camera.Width,
		Height:  c.Camera.Height,
		Binning: c.Camera.DefaultBinning,
	})
	if c.BridgeAddr == "" {
		return sim
	}
	bridge := remote.New(c.BridgeAddr)
	return bridge.Ctrl(sim.Cam)
}

func run() {
	c, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	ctrl := buildBench(c)
	runner := calib.NewRunner(ctrl, c)
	wrapper := temhttp.NewWrapper(ctrl, runner)

	lock := locker.New()
	routes := lockRoutes{rt: server.RouteTable{}}
	locker.Inject(routes, lock)
	routes.rt[pat.Get("/endpoints")] = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "%q\n", "/tem/*")
	})

	mux := goji.NewMux()
	mux.Use(lock.Check)
	routes.rt.Bind(mux)
	mux.Handle(pat.New("/tem/*"), http.StripPrefix("/tem", wrapper.Router()))

	if ctrl.Simulated {
		log.Println("no bridge address configured, serving the simulated bench")
	}
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
