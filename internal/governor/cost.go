package governor

import "fmt"

// OperationKind is a class of compute operation with its own cost estimate.
type OperationKind string

const (
	KindDeploy OperationKind = "deploy"
	KindBuild  OperationKind = "build"
	KindScale  OperationKind = "scale"
	KindJob    OperationKind = "job"
)

// CostModel holds compute prices in USD.
type CostModel struct {
	DeployFixed        float64 `yaml:"deploy_fixed" json:"deployFixed"`
	BuildFixed         float64 `yaml:"build_fixed" json:"buildFixed"`
	InstanceHour       float64 `yaml:"instance_hour" json:"instanceHour"`
	VCPUSecond         float64 `yaml:"vcpu_second" json:"vcpuSecond"`
	MonthlyPerInstance float64 `yaml:"monthly_per_instance" json:"monthlyPerInstance"`
}

// DefaultCostModel approximates managed-container list prices as of 2026.
var DefaultCostModel = CostModel{
	DeployFixed:        0.10,
	BuildFixed:         0.05,
	InstanceHour:       0.0864,
	VCPUSecond:         0.000024,
	MonthlyPerInstance: 46.66,
}

// Estimate returns the expected USD cost of req.
//
//	deploy: fixed
//	build:  fixed
//	scale:  instances × hours × instance-hour price (one hour when no duration)
//	job:    seconds × vCPUs (one when unset) × vCPU-second price
func (m CostModel) Estimate(req Request) (float64, error) {
	switch req.Kind {
	case KindDeploy:
		return m.DeployFixed, nil
	case KindBuild:
		return m.BuildFixed, nil
	case KindScale:
		hours := req.DurationSeconds / 3600
		if hours <= 0 {
			hours = 1
		}
		return float64(req.Instances) * hours * m.InstanceHour, nil
	case KindJob:
		vcpu := req.VCPU
		if vcpu == 0 {
			vcpu = 1
		}
		return req.DurationSeconds * vcpu * m.VCPUSecond, nil
	default:
		return 0, fmt.Errorf("unknown operation kind %q", req.Kind)
	}
}

// KeepaliveDailyCost is the daily cost of keeping minInstances warm.
func (m CostModel) KeepaliveDailyCost(minInstances int) float64 {
	if minInstances <= 0 {
		return 0
	}
	return float64(minInstances) * m.MonthlyPerInstance / 30
}
