package ec2

import (
	"strings"

	"mimiry/internal/config"
)

// Config holds the EC2-specific deployment settings. Credentials come
// from the SDK's default chain, never from here.
type Config struct {
	Region           string
	SubnetID         string
	SecurityGroupIDs []string
}

// LoadConfigFromEnv reads the adapter settings from the environment.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Region:   config.GetEnv("EC2_REGION", ""),
		SubnetID: config.GetEnv("EC2_SUBNET_ID", ""),
	}
	if groups := config.GetEnv("EC2_SECURITY_GROUPS", ""); groups != "" {
		for _, g := range strings.Split(groups, ",") {
			if g = strings.TrimSpace(g); g != "" {
				cfg.SecurityGroupIDs = append(cfg.SecurityGroupIDs, g)
			}
		}
	}
	return cfg
}

// gpuPrices is the on-demand USD hourly price table for the GPU shapes
// the platform sells. EC2 exposes no pricing on this API surface, so
// the table is maintained by hand.
var gpuPrices = map[string]float64{
	"g4dn.xlarge":  0.526,
	"g4dn.2xlarge": 0.752,
	"g5.xlarge":    1.006,
	"g5.2xlarge":   1.212,
	"g5.12xlarge":  5.672,
	"g6.xlarge":    0.805,
	"g6e.xlarge":   1.861,
	"p3.2xlarge":   3.06,
	"p4d.24xlarge": 32.773,
	"p5.48xlarge":  98.32,
}
