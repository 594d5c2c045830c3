package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/inferloop/dptrain/internal/ml"
	"github.com/inferloop/dptrain/internal/privacy"
	"github.com/inferloop/dptrain/pkg/constants"
)

// Set with -ldflags "-X main.GitCommit=... -X main.BuildDate=..."
var (
	Version   = constants.AppVersion
	GitCommit = "unknown"
	BuildDate = "unknown"
)

const gonumModule = "gonum.org/v1/gonum"

// BuildInfo describes the binary and the privacy machinery it was built with
type BuildInfo struct {
	Version           string   `json:"version"`
	GitCommit         string   `json:"git_commit"`
	BuildDate         string   `json:"build_date"`
	GoVersion         string   `json:"go_version"`
	Platform          string   `json:"platform"`
	GonumVersion      string   `json:"gonum_version"`
	Strategies        []string `json:"composition_strategies"`
	DefaultStrategy   string   `json:"default_strategy"`
	RDPOrders         string   `json:"rdp_orders"`
	MaxNoise          float64  `json:"max_noise_multiplier"`
	StorageBackends   []string `json:"storage_backends"`
	ProductionEntropy string   `json:"production_entropy"`
}

func GetBuildInfo() BuildInfo {
	orders := privacy.RDPOrders()
	strategies := []string{string(privacy.CompositionSimple), string(privacy.CompositionAdvanced)}
	backends := []string{ml.BackendMemory, ml.BackendLocal, ml.BackendS3, ml.BackendRedis, ml.BackendPostgres}

	return BuildInfo{
		Version:           Version,
		GitCommit:         GitCommit,
		BuildDate:         BuildDate,
		GoVersion:         runtime.Version(),
		Platform:          runtime.GOOS + "/" + runtime.GOARCH,
		GonumVersion:      moduleVersion(gonumModule),
		Strategies:        strategies,
		DefaultStrategy:   constants.DefaultCompositionStrategy,
		RDPOrders:         fmt.Sprintf("%d..%d (%d orders)", orders[0], orders[len(orders)-1], len(orders)),
		MaxNoise:          constants.DefaultMaxNoiseMultiplier,
		StorageBackends:   backends,
		ProductionEntropy: "chacha8 seeded from crypto/rand",
	}
}

// moduleVersion returns the version of a dependency linked into the binary
func moduleVersion(path string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, dep := range info.Deps {
		if dep.Path != path {
			continue
		}
		if dep.Replace != nil {
			return dep.Replace.Version
		}
		return dep.Version
	}
	return "unknown"
}
