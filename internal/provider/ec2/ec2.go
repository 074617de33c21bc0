// Package ec2 implements the provider.Adapter interface on top of AWS
// EC2. GPU capacity is bought as on-demand instances; the phone-home
// agent is bootstrapped through instance user data.
package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"mimiry/internal/provider"
)

// Slug identifies this adapter in the registry.
const Slug = "ec2"

// api is the subset of the EC2 client the adapter uses. Tests swap in a
// scripted fake.
type api interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstanceTypes(ctx context.Context, params *ec2.DescribeInstanceTypesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error)
	DescribeInstanceTypeOfferings(ctx context.Context, params *ec2.DescribeInstanceTypeOfferingsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceTypeOfferingsOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeAvailabilityZones(ctx context.Context, params *ec2.DescribeAvailabilityZonesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error)
}

// Adapter provisions GPU instances on EC2.
type Adapter struct {
	client api
	cfg    Config
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates an EC2 adapter using the SDK's default credential chain.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, provider.Errorf("ec2.New", Slug, provider.ErrInvalidConfig, err)
	}

	return &Adapter{client: ec2.NewFromConfig(awsCfg), cfg: cfg}, nil
}

// newWithClient is the test seam.
func newWithClient(client api, cfg Config) *Adapter {
	return &Adapter{client: client, cfg: cfg}
}

// Authenticate verifies the credentials can make EC2 calls at all.
func (a *Adapter) Authenticate(ctx context.Context) error {
	_, err := a.client.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{})
	if err != nil {
		return a.wrapErr("ec2.Authenticate", err)
	}
	return nil
}

// ListInstanceTypes returns the GPU shapes from the price table, with
// hardware details filled in from DescribeInstanceTypes. EC2 has no
// pricing API on this surface, so prices come from a static on-demand
// table in USD.
func (a *Adapter) ListInstanceTypes(ctx context.Context, currency string) ([]provider.InstanceType, error) {
	names := make([]types.InstanceType, 0, len(gpuPrices))
	for name := range gpuPrices {
		names = append(names, types.InstanceType(name))
	}

	out, err := a.client.DescribeInstanceTypes(ctx, &ec2.DescribeInstanceTypesInput{
		InstanceTypes: names,
	})
	if err != nil {
		return nil, a.wrapErr("ec2.ListInstanceTypes", err)
	}

	result := make([]provider.InstanceType, 0, len(out.InstanceTypes))
	for _, info := range out.InstanceTypes {
		name := string(info.InstanceType)
		it := provider.InstanceType{
			InstanceType: name,
			PricePerHour: gpuPrices[name],
			Currency:     "usd", // price table is USD only
			Provider:     Slug,
		}
		if info.VCpuInfo != nil {
			it.CPUCores = int(aws.ToInt32(info.VCpuInfo.DefaultVCpus))
		}
		if info.MemoryInfo != nil {
			it.RAMGB = float64(aws.ToInt64(info.MemoryInfo.SizeInMiB)) / 1024
		}
		if info.GpuInfo != nil && len(info.GpuInfo.Gpus) > 0 {
			gpu := info.GpuInfo.Gpus[0]
			it.GPUType = aws.ToString(gpu.Manufacturer) + " " + aws.ToString(gpu.Name)
			it.GPUCount = int(aws.ToInt32(gpu.Count))
			if gpu.MemoryInfo != nil {
				it.GPUMemoryGB = float64(aws.ToInt32(gpu.MemoryInfo.SizeInMiB)) / 1024
			}
			it.Description = fmt.Sprintf("%dx %s", it.GPUCount, it.GPUType)
		}
		result = append(result, it)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].InstanceType < result[j].InstanceType })
	return result, nil
}

// ListLocations returns the availability zones of the configured region.
func (a *Adapter) ListLocations(ctx context.Context) ([]provider.Location, error) {
	out, err := a.client.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{})
	if err != nil {
		return nil, a.wrapErr("ec2.ListLocations", err)
	}

	locations := make([]provider.Location, 0, len(out.AvailabilityZones))
	for _, zone := range out.AvailabilityZones {
		locations = append(locations, provider.Location{
			Code:     aws.ToString(zone.ZoneName),
			Name:     aws.ToString(zone.ZoneName),
			Country:  aws.ToString(zone.RegionName),
			Provider: Slug,
		})
	}
	return locations, nil
}

// ListImages returns the current deep learning GPU AMIs.
func (a *Adapter) ListImages(ctx context.Context, instanceType string) ([]provider.Image, error) {
	out, err := a.client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{"amazon"},
		Filters: []types.Filter{
			{Name: aws.String("name"), Values: []string{"Deep Learning Base OSS Nvidia Driver GPU AMI*"}},
			{Name: aws.String("state"), Values: []string{"available"}},
		},
	})
	if err != nil {
		return nil, a.wrapErr("ec2.ListImages", err)
	}

	images := make([]provider.Image, 0, len(out.Images))
	for _, img := range out.Images {
		images = append(images, provider.Image{
			Code:     aws.ToString(img.ImageId),
			Name:     aws.ToString(img.Name),
			OS:       "ubuntu",
			Provider: Slug,
		})
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Name > images[j].Name })
	return images, nil
}

// CheckAvailability reports the zones currently offering the type.
// Offerings only reflect what a region sells, not live capacity; a
// capacity shortfall still surfaces at Deploy time.
func (a *Adapter) CheckAvailability(ctx context.Context, instanceType string) (provider.Availability, error) {
	out, err := a.client.DescribeInstanceTypeOfferings(ctx, &ec2.DescribeInstanceTypeOfferingsInput{
		LocationType: types.LocationTypeAvailabilityZone,
		Filters: []types.Filter{
			{Name: aws.String("instance-type"), Values: []string{instanceType}},
		},
	})
	if err != nil {
		return provider.Availability{}, a.wrapErr("ec2.CheckAvailability", err)
	}

	zones := make([]string, 0, len(out.InstanceTypeOfferings))
	for _, offering := range out.InstanceTypeOfferings {
		zones = append(zones, aws.ToString(offering.Location))
	}
	sort.Strings(zones)

	return provider.Availability{
		InstanceType: instanceType,
		IsAvailable:  len(zones) > 0,
		Locations:    zones,
		Provider:     Slug,
	}, nil
}

// Deploy launches one on-demand instance with the agent bootstrap in
// user data. Shutdown behavior is terminate, so an instance that powers
// itself off after the job is billed no further.
func (a *Adapter) Deploy(ctx context.Context, cfg provider.DeployConfig) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:                           aws.String(cfg.Image),
		InstanceType:                      types.InstanceType(cfg.InstanceType),
		MinCount:                          aws.Int32(1),
		MaxCount:                          aws.Int32(1),
		UserData:                          aws.String(base64.StdEncoding.EncodeToString([]byte(buildUserData(cfg)))),
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String("mimiry-" + cfg.JobID)},
					{Key: aws.String("job.id"), Value: aws.String(cfg.JobID)},
					{Key: aws.String("managed-by"), Value: aws.String("mimiry")},
				},
			},
		},
	}
	if cfg.Location != "" {
		input.Placement = &types.Placement{AvailabilityZone: aws.String(cfg.Location)}
	}
	if len(cfg.SSHKeyIDs) > 0 {
		input.KeyName = aws.String(cfg.SSHKeyIDs[0])
	}
	if a.cfg.SubnetID != "" {
		input.SubnetId = aws.String(a.cfg.SubnetID)
	}
	if len(a.cfg.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = a.cfg.SecurityGroupIDs
	}

	out, err := a.client.RunInstances(ctx, input)
	if err != nil {
		return "", a.wrapErr("ec2.Deploy", err)
	}
	if len(out.Instances) == 0 {
		return "", provider.Errorf("ec2.Deploy", Slug, provider.ErrProviderUnavailable,
			errors.New("RunInstances returned no instances"))
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

// InstanceStatus maps the EC2 instance state onto instance states.
func (a *Adapter) InstanceStatus(ctx context.Context, instanceID string) (provider.InstanceState, error) {
	out, err := a.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return provider.InstanceUnknown, a.wrapErr("ec2.InstanceStatus", err)
	}

	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			if instance.State == nil {
				continue
			}
			switch instance.State.Name {
			case types.InstanceStateNamePending:
				return provider.InstancePending, nil
			case types.InstanceStateNameRunning:
				return provider.InstanceRunning, nil
			case types.InstanceStateNameStopping, types.InstanceStateNameStopped:
				return provider.InstanceStopped, nil
			case types.InstanceStateNameShuttingDown, types.InstanceStateNameTerminated:
				return provider.InstanceTerminated, nil
			}
		}
	}
	return provider.InstanceUnknown, provider.Errorf("ec2.InstanceStatus", Slug, provider.ErrNotFound,
		fmt.Errorf("instance %s not in DescribeInstances response", instanceID))
}

// Terminate destroys the instance. An id EC2 no longer knows maps to
// ErrNotFound, which callers treat as success.
func (a *Adapter) Terminate(ctx context.Context, instanceID string) error {
	_, err := a.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return a.wrapErr("ec2.Terminate", err)
	}
	return nil
}

// buildUserData renders the cloud-init script that configures the
// phone-home environment and hands off to the user's startup script.
// The script body goes through a quoted heredoc so nothing in it is
// expanded by the bootstrap shell.
func buildUserData(cfg provider.DeployConfig) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\nset -eu\n\n")
	fmt.Fprintf(&b, "export MIMIRY_JOB_ID=%q\n", cfg.JobID)
	fmt.Fprintf(&b, "export MIMIRY_CALLBACK_URL=%q\n", cfg.CallbackURL)
	fmt.Fprintf(&b, "export MIMIRY_CALLBACK_TOKEN=%q\n", cfg.CallbackToken)
	fmt.Fprintf(&b, "export MIMIRY_HEARTBEAT_SECONDS=%d\n\n", cfg.HeartbeatSeconds)
	b.WriteString("mkdir -p /opt/mimiry\n")
	b.WriteString("cat <<'MIMIRY_SCRIPT' > /opt/mimiry/startup.sh\n")
	b.WriteString(cfg.StartupScript)
	if !strings.HasSuffix(cfg.StartupScript, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("MIMIRY_SCRIPT\n")
	b.WriteString("chmod +x /opt/mimiry/startup.sh\n")
	b.WriteString("export MIMIRY_STARTUP_SCRIPT=/opt/mimiry/startup.sh\n")
	b.WriteString("mimiry-agent\n")
	return b.String()
}

// wrapErr maps EC2 API error codes onto the provider sentinels.
func (a *Adapter) wrapErr(op string, err error) error {
	sentinel := provider.ErrProviderUnavailable

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); code {
		case "InsufficientInstanceCapacity", "InstanceLimitExceeded", "VcpuLimitExceeded":
			sentinel = provider.ErrCapacityUnavailable
		case "AuthFailure", "UnauthorizedOperation", "OptInRequired", "ExpiredToken":
			sentinel = provider.ErrAuthFailure
		case "InvalidInstanceID.NotFound", "InvalidInstanceID.Malformed":
			sentinel = provider.ErrNotFound
		case "InvalidAMIID.NotFound", "InvalidAMIID.Malformed", "InvalidParameterValue",
			"InvalidParameterCombination", "Unsupported", "InvalidSubnetID.NotFound",
			"InvalidGroup.NotFound", "InvalidKeyPair.NotFound":
			sentinel = provider.ErrInvalidConfig
		}
	}

	return provider.Errorf(op, Slug, sentinel, err)
}
