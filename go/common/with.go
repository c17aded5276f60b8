package common

import (
	"flag"
	"net/http"
	"sort"

	"go.engram.dev/engram/go/metrics2"
	"go.engram.dev/engram/go/skerr"
	"go.engram.dev/engram/go/sklog"
)

// Opt is one optional initialization service. Opts are order dependent, so
// each carries an order and InitWith sorts before running them.
type Opt interface {
	init(appName string) error
	order() int
}

type baseInitOpt struct{}

func (b *baseInitOpt) init(appName string) error {
	flag.Parse()
	flag.VisitAll(func(f *flag.Flag) {
		sklog.Infof("Flags: --%s=%v", f.Name, f.Value)
	})
	sklog.Infof("%s starting", appName)
	return nil
}

func (b *baseInitOpt) order() int {
	return 0
}

type promInitOpt struct {
	port *string
}

// PrometheusOpt serves metrics on port, e.g. ":20000". The web server
// remains up for the life of the process.
func PrometheusOpt(port *string) Opt {
	return &promInitOpt{port: port}
}

func (o *promInitOpt) init(appName string) error {
	if *o.port == "" {
		return skerr.Fmt("--prom_port must not be empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics2.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	go func() {
		sklog.Fatal(http.ListenAndServe(*o.port, mux))
	}()
	return nil
}

func (o *promInitOpt) order() int {
	return 3
}

type optSlice []Opt

func (p optSlice) Len() int           { return len(p) }
func (p optSlice) Less(i, j int) bool { return p[i].order() < p[j].order() }
func (p optSlice) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }

// InitWith runs the base initialization and then each opt in order.
func InitWith(appName string, opts ...Opt) error {
	all := append(optSlice{&baseInitOpt{}}, opts...)
	sort.Sort(all)
	for _, o := range all {
		if err := o.init(appName); err != nil {
			return skerr.Wrap(err)
		}
	}
	return nil
}

// InitWithMust is InitWith for mains that cannot proceed on failure.
func InitWithMust(appName string, opts ...Opt) {
	if err := InitWith(appName, opts...); err != nil {
		sklog.Fatal(err)
	}
}
