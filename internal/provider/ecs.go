package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/torosent/crankfleet/internal/config"
	"github.com/torosent/crankfleet/internal/fleet"
)

// ECSAPI is the subset of the ECS client used to run and inspect tasks.
type ECSAPI interface {
	RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
}

// ECSClientFactory returns a client bound to region.
type ECSClientFactory func(ctx context.Context, region string) (ECSAPI, error)

// ECSOptions configures the ECS backend.
type ECSOptions struct {
	Cluster        string
	LaunchType     string
	AssignPublicIP string
	Placement      func(region string) config.Placement
	NewClient      ECSClientFactory
}

// ECS runs tasks as Fargate (or EC2) tasks in awsvpc mode.
type ECS struct {
	cluster        string
	launchType     types.LaunchType
	assignPublicIP types.AssignPublicIp
	placement      func(region string) config.Placement
	newClient      ECSClientFactory

	mu      sync.Mutex
	clients map[string]ECSAPI
}

const maxStartedByLength = 36

// NewECS creates an ECS backend. Launch type defaults to FARGATE and public
// IP assignment to DISABLED.
func NewECS(opts ECSOptions) *ECS {
	e := &ECS{
		cluster:        opts.Cluster,
		launchType:     types.LaunchType(strings.ToUpper(opts.LaunchType)),
		assignPublicIP: types.AssignPublicIp(strings.ToUpper(opts.AssignPublicIP)),
		placement:      opts.Placement,
		newClient:      opts.NewClient,
		clients:        map[string]ECSAPI{},
	}
	if e.launchType == "" {
		e.launchType = types.LaunchTypeFargate
	}
	if e.assignPublicIP == "" {
		e.assignPublicIP = types.AssignPublicIpDisabled
	}
	if e.placement == nil {
		e.placement = func(string) config.Placement { return config.Placement{} }
	}
	return e
}

// NewECSFromEnvironment builds an ECS backend with one SDK client per region.
func NewECSFromEnvironment(_ context.Context, env config.Environment) (*ECS, error) {
	var creds aws.CredentialsProvider
	if env.AWSAccessKeyID != "" && env.AWSSecretAccessKey != "" {
		creds = credentials.NewStaticCredentialsProvider(env.AWSAccessKeyID, env.AWSSecretAccessKey, "")
	}
	return NewECS(ECSOptions{
		Cluster:        env.ECSCluster,
		LaunchType:     env.ECSLaunchType,
		AssignPublicIP: env.ECSAssignPublicIP,
		Placement:      env.PlacementFor,
		NewClient: func(ctx context.Context, region string) (ECSAPI, error) {
			opts := []func(*aws_config.LoadOptions) error{aws_config.WithRegion(region)}
			if creds != nil {
				opts = append(opts, aws_config.WithCredentialsProvider(creds))
			}
			cfg, err := aws_config.LoadDefaultConfig(ctx, opts...)
			if err != nil {
				return nil, fmt.Errorf("failed to load AWS config for %s: %w", region, err)
			}
			return ecs.NewFromConfig(cfg), nil
		},
	}), nil
}

// Name returns the provider name.
func (e *ECS) Name() string { return config.ProviderECS }

// Capabilities reports ENI addresses and ClientToken idempotency.
func (e *ECS) Capabilities() Capabilities {
	return Capabilities{RoutableAddresses: true, IdempotentLaunch: true}
}

func (e *ECS) client(ctx context.Context, region string) (ECSAPI, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[region]; ok {
		return c, nil
	}
	if e.newClient == nil {
		return nil, errors.New("no ECS client factory configured")
	}
	c, err := e.newClient(ctx, region)
	if err != nil {
		return nil, err
	}
	e.clients[region] = c
	return c, nil
}

// Launch runs one task. The launch token, when present, is sent as the
// RunTask client token.
func (e *ECS) Launch(ctx context.Context, spec fleet.WorkerSpec) (string, error) {
	if len(spec.Env) > 0 && spec.Container == "" {
		return "", fmt.Errorf("task %s has environment but no container to override", spec.Definition)
	}
	client, err := e.client(ctx, spec.Region)
	if err != nil {
		return "", err
	}

	placement := e.placement(spec.Region)
	input := &ecs.RunTaskInput{
		Cluster:        aws.String(e.cluster),
		TaskDefinition: aws.String(spec.Definition),
		LaunchType:     e.launchType,
		Count:          aws.Int32(1),
		StartedBy:      aws.String(startedBy(spec.RunID)),
		NetworkConfiguration: &types.NetworkConfiguration{
			AwsvpcConfiguration: &types.AwsVpcConfiguration{
				Subnets:        placement.Subnets,
				SecurityGroups: placement.SecurityGroups,
				AssignPublicIp: e.assignPublicIP,
			},
		},
		Overrides: taskOverride(spec),
		Tags: []types.Tag{
			{Key: aws.String("crankfleet:run-id"), Value: aws.String(spec.RunID)},
			{Key: aws.String("crankfleet:role"), Value: aws.String(string(spec.Role))},
		},
	}
	if spec.LaunchToken != "" {
		input.ClientToken = aws.String(spec.LaunchToken)
	}

	out, err := client.RunTask(ctx, input)
	if err != nil {
		return "", fmt.Errorf("RunTask %s: %w", spec.Definition, err)
	}
	if len(out.Failures) > 0 {
		f := out.Failures[0]
		return "", fmt.Errorf("RunTask %s failed: %s %s", spec.Definition, aws.ToString(f.Reason), aws.ToString(f.Detail))
	}
	if len(out.Tasks) == 0 || out.Tasks[0].TaskArn == nil {
		return "", fmt.Errorf("RunTask %s returned no task", spec.Definition)
	}
	return aws.ToString(out.Tasks[0].TaskArn), nil
}

func startedBy(runID string) string {
	s := "crankfleet-" + runID
	if len(s) > maxStartedByLength {
		s = s[:maxStartedByLength]
	}
	return s
}

// taskOverride injects the worker environment into the named container. Task
// size stays with the task definition.
func taskOverride(spec fleet.WorkerSpec) *types.TaskOverride {
	if len(spec.Env) == 0 {
		return nil
	}
	env := make([]types.KeyValuePair, 0, len(spec.Env))
	for _, k := range spec.EnvKeys() {
		env = append(env, types.KeyValuePair{Name: aws.String(k), Value: aws.String(spec.Env[k])})
	}
	return &types.TaskOverride{
		ContainerOverrides: []types.ContainerOverride{{
			Name:        aws.String(spec.Container),
			Environment: env,
		}},
	}
}

// maxDescribeBatch is the DescribeTasks limit on task ARNs per call.
const maxDescribeBatch = 100

// Describe reports task status. Tasks ECS no longer knows about are
// reported stopped.
func (e *ECS) Describe(ctx context.Context, region string, handles []string) ([]Status, error) {
	client, err := e.client(ctx, region)
	if err != nil {
		return nil, err
	}

	byArn := make(map[string]Status, len(handles))
	for start := 0; start < len(handles); start += maxDescribeBatch {
		end := start + maxDescribeBatch
		if end > len(handles) {
			end = len(handles)
		}
		out, err := client.DescribeTasks(ctx, &ecs.DescribeTasksInput{
			Cluster: aws.String(e.cluster),
			Tasks:   handles[start:end],
		})
		if err != nil {
			return nil, fmt.Errorf("DescribeTasks: %w", err)
		}
		for _, task := range out.Tasks {
			arn := aws.ToString(task.TaskArn)
			byArn[arn] = taskStatus(task)
		}
		for _, f := range out.Failures {
			arn := aws.ToString(f.Arn)
			byArn[arn] = Status{Handle: arn, Phase: PhaseStopped, Reason: aws.ToString(f.Reason)}
		}
	}

	statuses := make([]Status, 0, len(handles))
	for _, h := range handles {
		s, ok := byArn[h]
		if !ok {
			s = Status{Handle: h, Phase: PhaseStopped, Reason: "task not found"}
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

func taskStatus(task types.Task) Status {
	s := Status{Handle: aws.ToString(task.TaskArn)}
	switch aws.ToString(task.LastStatus) {
	case "RUNNING":
		s.Phase = PhaseRunning
		s.Address = privateIPv4(task.Attachments)
	case "DEACTIVATING", "STOPPING", "DEPROVISIONING", "STOPPED", "DELETED":
		s.Phase = PhaseStopped
		s.Reason = aws.ToString(task.StoppedReason)
		if s.Reason == "" {
			s.Reason = strings.ToLower(aws.ToString(task.LastStatus))
		}
	default:
		s.Phase = PhasePending
	}
	return s
}

func privateIPv4(attachments []types.Attachment) string {
	for _, att := range attachments {
		if aws.ToString(att.Type) != "ElasticNetworkInterface" {
			continue
		}
		for _, d := range att.Details {
			if aws.ToString(d.Name) == "privateIPv4Address" {
				return aws.ToString(d.Value)
			}
		}
	}
	return ""
}
