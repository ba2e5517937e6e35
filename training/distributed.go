package training

import (
	"context"
	"fmt"

	"github.com/klauspost/cpuid/v2"

	"github.com/tsawler/go-plm/errdefs"
	"github.com/tsawler/go-plm/internal/logging"
	"github.com/tsawler/go-plm/models"
	"github.com/tsawler/go-plm/optimizer"
	"github.com/tsawler/go-plm/tensor"
)

// DistributedPreparer places the model and optimizer for execution and
// returns equivalent objects. Gradient synchronisation, if any, happens
// behind it.
type DistributedPreparer interface {
	Prepare(ctx context.Context, pair *models.Pair, opt optimizer.Optimizer) (*models.Pair, optimizer.Optimizer, error)
	// Device is where batches must be moved before the forward pass.
	Device() tensor.DeviceType
	// NumProcesses is the data parallel world size.
	NumProcesses() int
}

// LocalPreparer runs in this process on the host CPU.
type LocalPreparer struct {
	requested string
}

// NewLocalPreparer accepts the configured device name. Accelerator devices
// fall back to the CPU.
func NewLocalPreparer(device string) (*LocalPreparer, error) {
	if _, err := tensor.ParseDevice(device); err != nil {
		return nil, fmt.Errorf("%v: %w", err, errdefs.ErrConfiguration)
	}
	return &LocalPreparer{requested: device}, nil
}

func (p *LocalPreparer) Prepare(ctx context.Context, pair *models.Pair, opt optimizer.Optimizer) (*models.Pair, optimizer.Optimizer, error) {
	log := logging.FromContext(ctx)
	if d, _ := tensor.ParseDevice(p.requested); d != tensor.CPU {
		log.Info(fmt.Sprintf("Device %s is not available, using cpu", p.requested))
	}
	log.Info("Compute device",
		"cpu", cpuid.CPU.BrandName,
		"physical_cores", cpuid.CPU.PhysicalCores,
		"logical_cores", cpuid.CPU.LogicalCores,
		"avx2", cpuid.CPU.Supports(cpuid.AVX2),
		"fma", cpuid.CPU.Supports(cpuid.FMA3))
	return pair, opt, nil
}

func (p *LocalPreparer) Device() tensor.DeviceType { return tensor.CPU }
func (p *LocalPreparer) NumProcesses() int         { return 1 }
