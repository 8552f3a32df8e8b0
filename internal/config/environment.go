package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/torosent/crankfleet/internal/fleet"
)

// Provider names accepted in CRANKFLEET_PROVIDER.
const (
	ProviderECS        = "ecs"
	ProviderACI        = "aci"
	ProviderKubernetes = "kubernetes"
)

// Artifact store names accepted in ARTIFACT_STORE.
const (
	StoreS3     = "s3"
	StoreAzBlob = "azblob"
	StoreLocal  = "local"
)

// RegionLists maps a region to a list of values. It decodes
// "us-east-1=subnet-a|subnet-b;eu-west-1=subnet-c".
type RegionLists map[string][]string

func (r *RegionLists) UnmarshalText(text []byte) error {
	out := RegionLists{}
	err := parseRegionPairs(string(text), func(region, value string) {
		for _, item := range strings.Split(value, "|") {
			if item = strings.TrimSpace(item); item != "" {
				out[region] = append(out[region], item)
			}
		}
	})
	if err != nil {
		return err
	}
	*r = out
	return nil
}

// RegionValues maps a region to a single value, decoded from
// "us-east-1=value;eu-west-1=other".
type RegionValues map[string]string

func (r *RegionValues) UnmarshalText(text []byte) error {
	out := RegionValues{}
	err := parseRegionPairs(string(text), func(region, value string) {
		out[region] = value
	})
	if err != nil {
		return err
	}
	*r = out
	return nil
}

func parseRegionPairs(text string, fn func(region, value string)) error {
	for _, pair := range strings.Split(text, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		region, value, ok := strings.Cut(pair, "=")
		region = strings.TrimSpace(region)
		if !ok || region == "" {
			return fmt.Errorf("invalid region entry %q: expected region=value", pair)
		}
		fn(region, strings.TrimSpace(value))
	}
	return nil
}

// Environment holds deployment settings read from environment variables.
type Environment struct {
	Provider      string `env:"CRANKFLEET_PROVIDER" envDefault:"ecs"`
	DefaultRegion string `env:"DEFAULT_REGION" envDefault:"us-east-1"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	ECSCluster           string      `env:"ECS_CLUSTER" envDefault:"jmeter-cluster"`
	ECSLaunchType        string      `env:"ECS_LAUNCH_TYPE" envDefault:"FARGATE"`
	ECSAssignPublicIP    string      `env:"ECS_ASSIGN_PUBLIC_IP" envDefault:"DISABLED"`
	Subnets              []string    `env:"SUBNETS" envSeparator:","`
	SecurityGroups       []string    `env:"SECURITY_GROUPS" envSeparator:","`
	RegionSubnets        RegionLists `env:"REGION_SUBNETS"`
	RegionSecurityGroups RegionLists `env:"REGION_SECURITY_GROUPS"`

	AzureSubscriptionID string       `env:"AZ_SUBSCRIPTION_ID"`
	AzureResourceGroup  string       `env:"AZ_RESOURCE_GROUP"`
	ACISubnetID         string       `env:"ACI_SUBNET_ID"`
	RegionACISubnets    RegionValues `env:"REGION_ACI_SUBNETS"`

	WorkerImage         string  `env:"SLAVE_IMAGE"`
	WorkerCPU           float64 `env:"SLAVE_CPU"`
	WorkerMemoryGB      float64 `env:"SLAVE_MEMORY"`
	CoordinatorImage    string  `env:"MASTER_IMAGE"`
	CoordinatorCPU      float64 `env:"MASTER_CPU"`
	CoordinatorMemoryGB float64 `env:"MASTER_MEMORY"`
	RegistryServer      string  `env:"REGISTRY_SERVER"`
	RegistryUsername    string  `env:"REGISTRY_USERNAME"`
	RegistryPassword    string  `env:"REGISTRY_PASSWORD"`

	Kubeconfig         string       `env:"KUBECONFIG"`
	KubeNamespace      string       `env:"KUBE_NAMESPACE" envDefault:"default"`
	RegionKubeContexts RegionValues `env:"REGION_KUBE_CONTEXTS"`

	ArtifactStore                string `env:"ARTIFACT_STORE" envDefault:"s3"`
	S3Bucket                     string `env:"S3_BUCKET" envDefault:"test-surge-perf"`
	S3Prefix                     string `env:"S3_PREFIX" envDefault:"test/"`
	S3EndpointURL                string `env:"S3_ENDPOINT_URL"`
	AWSRegion                    string `env:"AWS_REGION"`
	AWSAccessKeyID               string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey           string `env:"AWS_SECRET_ACCESS_KEY"`
	AzureStorageConnectionString string `env:"AZURE_STORAGE_CONNECTION_STRING"`
	AzureStorageAccountURL       string `env:"AZURE_STORAGE_ACCOUNT_URL"`
	TestPlansContainer           string `env:"TEST_PLANS_CONTAINER" envDefault:"test-plans"`
	LocalStoreDir                string `env:"LOCAL_STORE_DIR"`
	WorkDir                      string `env:"WORK_DIR"`

	ControlPort  int           `env:"WORKER_CONTROL_PORT" envDefault:"1099"`
	ReadyTimeout time.Duration `env:"READY_TIMEOUT" envDefault:"300s"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	SignedURLTTL time.Duration `env:"SIGNED_URL_TTL" envDefault:"60m"`
}

// Placement is the network placement for tasks launched in one region.
type Placement struct {
	Subnets        []string
	SecurityGroups []string
}

// LoadEnvironment reads envFile (when set) into the process environment and
// parses the deployment settings.
func LoadEnvironment(envFile string) (Environment, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Environment{}, fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}
	return parseEnvironment(env.Options{})
}

// EnvironmentFrom parses settings from vars instead of the process environment.
func EnvironmentFrom(vars map[string]string) (Environment, error) {
	return parseEnvironment(env.Options{Environment: vars})
}

func parseEnvironment(opts env.Options) (Environment, error) {
	var cfg Environment
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Environment{}, fleet.ConfigurationError("environment: %v", err)
	}
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	cfg.ArtifactStore = strings.ToLower(strings.TrimSpace(cfg.ArtifactStore))
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "crankfleet")
	}
	if cfg.LocalStoreDir == "" {
		cfg.LocalStoreDir = filepath.Join(cfg.WorkDir, "store")
	}
	return cfg, nil
}

// PlacementFor returns the region's subnets and security groups, falling
// back to the defaults from SUBNETS and SECURITY_GROUPS.
func (e Environment) PlacementFor(region string) Placement {
	p := Placement{Subnets: e.Subnets, SecurityGroups: e.SecurityGroups}
	if subnets, ok := e.RegionSubnets[region]; ok {
		p.Subnets = subnets
	}
	if groups, ok := e.RegionSecurityGroups[region]; ok {
		p.SecurityGroups = groups
	}
	return p
}

// ACISubnetFor returns the delegated subnet for container groups in region.
func (e Environment) ACISubnetFor(region string) string {
	if id, ok := e.RegionACISubnets[region]; ok {
		return id
	}
	return e.ACISubnetID
}

// KubeContextFor returns the kubeconfig context serving region. An empty
// result selects the current context.
func (e Environment) KubeContextFor(region string) string {
	return e.RegionKubeContexts[region]
}

// Validate reports settings the selected provider and artifact store need
// but lack for the given regions.
func (e Environment) Validate(regions []string) error {
	var issues []string

	switch e.Provider {
	case ProviderECS:
		if strings.TrimSpace(e.ECSCluster) == "" {
			issues = append(issues, "ECS_CLUSTER is required")
		}
		for _, region := range regions {
			if len(e.PlacementFor(region).Subnets) == 0 {
				issues = append(issues, fmt.Sprintf("no subnets configured for region %s (SUBNETS or REGION_SUBNETS)", region))
			}
		}
	case ProviderACI:
		if e.AzureSubscriptionID == "" {
			issues = append(issues, "AZ_SUBSCRIPTION_ID is required")
		}
		if e.AzureResourceGroup == "" {
			issues = append(issues, "AZ_RESOURCE_GROUP is required")
		}
	case ProviderKubernetes:
		if strings.TrimSpace(e.KubeNamespace) == "" {
			issues = append(issues, "KUBE_NAMESPACE is required")
		}
	default:
		issues = append(issues, fmt.Sprintf("unknown provider %q (use ecs, aci or kubernetes)", e.Provider))
	}

	switch e.ArtifactStore {
	case StoreS3:
		if e.S3Bucket == "" {
			issues = append(issues, "S3_BUCKET is required")
		}
	case StoreAzBlob:
		if e.AzureStorageConnectionString == "" && e.AzureStorageAccountURL == "" {
			issues = append(issues, "AZURE_STORAGE_CONNECTION_STRING or AZURE_STORAGE_ACCOUNT_URL is required")
		}
	case StoreLocal:
	default:
		issues = append(issues, fmt.Sprintf("unknown artifact store %q (use s3, azblob or local)", e.ArtifactStore))
	}

	if e.ControlPort < 1 || e.ControlPort > 65535 {
		issues = append(issues, "WORKER_CONTROL_PORT must be between 1 and 65535")
	}

	if len(issues) > 0 {
		sort.Strings(issues)
		return fleet.ConfigurationError("%s", strings.Join(issues, "; "))
	}
	return nil
}
