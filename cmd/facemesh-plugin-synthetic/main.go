// Command facemesh-plugin-synthetic serves the synthetic face models as a
// go-plugin gRPC plugin. It is launched by facemeshd, not by hand.
package main

import (
	"os"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend/grpcplugin"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend/synthetic"
)

const version = "v0.1.0"

func main() {
	opts := synthetic.DefaultOptions()
	if d, err := time.ParseDuration(os.Getenv("FACEMESH_SYNTHETIC_DELAY")); err == nil {
		opts.Delay = d
	}
	grpcplugin.Serve(synthetic.NewWithOptions(opts), version, "cpu")
}
