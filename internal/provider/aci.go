package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/containerinstance/armcontainerinstance/v2"

	"github.com/torosent/crankfleet/internal/config"
	"github.com/torosent/crankfleet/internal/fleet"
)

// ContainerGroupsAPI creates and reads container groups. It hides the SDK
// long-running-operation poller so tests can fake it.
type ContainerGroupsAPI interface {
	CreateOrUpdate(ctx context.Context, resourceGroup, name string, group armcontainerinstance.ContainerGroup) (armcontainerinstance.ContainerGroup, error)
	Get(ctx context.Context, resourceGroup, name string) (armcontainerinstance.ContainerGroup, error)
}

type sdkContainerGroups struct {
	client *armcontainerinstance.ContainerGroupsClient
}

func (s sdkContainerGroups) CreateOrUpdate(ctx context.Context, resourceGroup, name string, group armcontainerinstance.ContainerGroup) (armcontainerinstance.ContainerGroup, error) {
	poller, err := s.client.BeginCreateOrUpdate(ctx, resourceGroup, name, group, nil)
	if err != nil {
		return armcontainerinstance.ContainerGroup{}, err
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return armcontainerinstance.ContainerGroup{}, err
	}
	return resp.ContainerGroup, nil
}

func (s sdkContainerGroups) Get(ctx context.Context, resourceGroup, name string) (armcontainerinstance.ContainerGroup, error) {
	resp, err := s.client.Get(ctx, resourceGroup, name, nil)
	if err != nil {
		return armcontainerinstance.ContainerGroup{}, err
	}
	return resp.ContainerGroup, nil
}

// RegistryCredential authenticates image pulls from a private registry.
type RegistryCredential struct {
	Server   string
	Username string
	Password string
}

func (r RegistryCredential) complete() bool {
	return r.Server != "" && r.Username != "" && r.Password != ""
}

// ACIOptions configures the Azure Container Instances backend.
type ACIOptions struct {
	ResourceGroup string
	Subnet        func(region string) string
	Groups        ContainerGroupsAPI
	// Registry is attached to every group when all of its fields are set.
	Registry RegistryCredential
}

// ACI runs each task as a single-container group. Handles are group names.
type ACI struct {
	resourceGroup string
	subnet        func(region string) string
	groups        ContainerGroupsAPI
	registry      RegistryCredential
}

// NewACI creates an ACI backend over the given container groups client.
func NewACI(opts ACIOptions) *ACI {
	a := &ACI{resourceGroup: opts.ResourceGroup, subnet: opts.Subnet, groups: opts.Groups, registry: opts.Registry}
	if a.subnet == nil {
		a.subnet = func(string) string { return "" }
	}
	return a
}

// NewACIFromEnvironment authenticates with the default Azure credential chain.
func NewACIFromEnvironment(env config.Environment) (*ACI, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain Azure credential: %w", err)
	}
	client, err := armcontainerinstance.NewContainerGroupsClient(env.AzureSubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create container groups client: %w", err)
	}
	return NewACI(ACIOptions{
		ResourceGroup: env.AzureResourceGroup,
		Subnet:        env.ACISubnetFor,
		Groups:        sdkContainerGroups{client: client},
		Registry: RegistryCredential{
			Server:   env.RegistryServer,
			Username: env.RegistryUsername,
			Password: env.RegistryPassword,
		},
	}), nil
}

// Name returns the provider name.
func (a *ACI) Name() string { return config.ProviderACI }

// Capabilities reports that addresses may be missing: groups without a
// delegated subnet get no private address.
func (a *ACI) Capabilities() Capabilities {
	return Capabilities{RoutableAddresses: false, IdempotentLaunch: true}
}

// Launch creates a container group named after the worker spec. Re-creating a
// group with the same name updates it in place.
func (a *ACI) Launch(ctx context.Context, spec fleet.WorkerSpec) (string, error) {
	if a.groups == nil {
		return "", errors.New("no container groups client configured")
	}
	group := a.containerGroup(spec)
	if _, err := a.groups.CreateOrUpdate(ctx, a.resourceGroup, spec.Name, group); err != nil {
		return "", fmt.Errorf("create container group %s: %w", spec.Name, err)
	}
	return spec.Name, nil
}

func (a *ACI) containerGroup(spec fleet.WorkerSpec) armcontainerinstance.ContainerGroup {
	env := make([]*armcontainerinstance.EnvironmentVariable, 0, len(spec.Env))
	for _, k := range spec.EnvKeys() {
		env = append(env, &armcontainerinstance.EnvironmentVariable{Name: to.Ptr(k), Value: to.Ptr(spec.Env[k])})
	}

	ports := spec.Ports
	if len(ports) == 0 && spec.ControlPort > 0 {
		ports = []int{spec.ControlPort}
	}
	containerPorts := make([]*armcontainerinstance.ContainerPort, 0, len(ports))
	groupPorts := make([]*armcontainerinstance.Port, 0, len(ports))
	for _, p := range ports {
		containerPorts = append(containerPorts, &armcontainerinstance.ContainerPort{Port: to.Ptr(int32(p))})
		groupPorts = append(groupPorts, &armcontainerinstance.Port{
			Port:     to.Ptr(int32(p)),
			Protocol: to.Ptr(armcontainerinstance.ContainerGroupNetworkProtocolTCP),
		})
	}

	containerName := spec.Container
	if containerName == "" {
		containerName = spec.Name
	}
	cpu, memoryGB := spec.CPU, float64(spec.MemoryMiB)/1024
	if cpu <= 0 {
		cpu = 1
	}
	if memoryGB <= 0 {
		memoryGB = 1.5
	}

	props := &armcontainerinstance.ContainerGroupPropertiesProperties{
		OSType:        to.Ptr(armcontainerinstance.OperatingSystemTypesLinux),
		RestartPolicy: to.Ptr(armcontainerinstance.ContainerGroupRestartPolicyOnFailure),
		Containers: []*armcontainerinstance.Container{{
			Name: to.Ptr(containerName),
			Properties: &armcontainerinstance.ContainerProperties{
				Image:                to.Ptr(containerImage(spec)),
				EnvironmentVariables: env,
				Ports:                containerPorts,
				Resources: &armcontainerinstance.ResourceRequirements{
					Requests: &armcontainerinstance.ResourceRequests{
						CPU:        to.Ptr(cpu),
						MemoryInGB: to.Ptr(memoryGB),
					},
				},
			},
		}},
	}
	if a.registry.complete() {
		props.ImageRegistryCredentials = []*armcontainerinstance.ImageRegistryCredential{{
			Server:   to.Ptr(a.registry.Server),
			Username: to.Ptr(a.registry.Username),
			Password: to.Ptr(a.registry.Password),
		}}
	}
	if subnet := a.subnet(spec.Region); subnet != "" {
		props.SubnetIDs = []*armcontainerinstance.ContainerGroupSubnetID{{ID: to.Ptr(subnet)}}
		props.IPAddress = &armcontainerinstance.IPAddress{
			Type:  to.Ptr(armcontainerinstance.ContainerGroupIPAddressTypePrivate),
			Ports: groupPorts,
		}
	}

	return armcontainerinstance.ContainerGroup{
		Location:   to.Ptr(spec.Region),
		Properties: props,
		Tags: map[string]*string{
			"crankfleet-run-id": to.Ptr(spec.RunID),
			"crankfleet-role":   to.Ptr(string(spec.Role)),
		},
	}
}

// Describe reads each group. Running groups without an IP address are
// reported running with an empty address.
func (a *ACI) Describe(ctx context.Context, _ string, handles []string) ([]Status, error) {
	if a.groups == nil {
		return nil, errors.New("no container groups client configured")
	}
	statuses := make([]Status, 0, len(handles))
	for _, name := range handles {
		group, err := a.groups.Get(ctx, a.resourceGroup, name)
		if err != nil {
			var respErr *azcore.ResponseError
			if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
				statuses = append(statuses, Status{Handle: name, Phase: PhaseStopped, Reason: "container group not found"})
				continue
			}
			return nil, fmt.Errorf("get container group %s: %w", name, err)
		}
		statuses = append(statuses, groupStatus(name, group))
	}
	return statuses, nil
}

func groupStatus(name string, group armcontainerinstance.ContainerGroup) Status {
	s := Status{Handle: name, Phase: PhasePending}
	props := group.Properties
	if props == nil {
		return s
	}
	state := ""
	if props.InstanceView != nil && props.InstanceView.State != nil {
		state = *props.InstanceView.State
	}
	switch strings.ToLower(state) {
	case "running":
		s.Phase = PhaseRunning
		if props.IPAddress != nil && props.IPAddress.IP != nil {
			s.Address = *props.IPAddress.IP
		}
	case "stopped", "failed", "terminated":
		s.Phase = PhaseStopped
		s.Reason = "container group " + strings.ToLower(state)
	}
	return s
}
