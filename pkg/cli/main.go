// Package cli builds the command line of a worker process: queue inspection and manipulation
// commands, the long-running work loop, and configuration tooling.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/workqueue/pkg/config"
	"github.com/nimburion/workqueue/pkg/observability/logger"
	"github.com/nimburion/workqueue/pkg/queue"
	"github.com/nimburion/workqueue/pkg/version"
)

const (
	policiesAnnotationPrefix = "policies."
	defaultPolicyContext     = "run"
)

// CommandPolicy tells deployment tooling when a command is meant to run.
type CommandPolicy string

const (
	PolicyAlways   CommandPolicy = "always"
	PolicyOnce     CommandPolicy = "once"
	PolicyRun      CommandPolicy = "run"
	PolicyManual   CommandPolicy = "manual"
	PolicyOnDemand CommandPolicy = "on_demand"
)

// StoreFactory opens the queue store selected by the configuration.
type StoreFactory func(cfg config.QueueConfig, log logger.Logger) (queue.Store, error)

// ServiceCommandOptions defines callbacks for service-specific logic.
type ServiceCommandOptions struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// Handlers process items of the named queue types in the work command.
	Handlers map[string]queue.Handler
	// DefaultHandler processes types without an entry in Handlers. Types without any handler
	// are not consumed.
	DefaultHandler queue.Handler

	// Optional: custom config validation (runs after the built-in validation)
	ValidateConfig func(cfg *config.Config) error
	// Optional: overrides how the store is opened, e.g. to share one in tests.
	StoreFactory StoreFactory
	// Optional: additional custom commands
	CustomCommands []*cobra.Command
}

type commandContext struct {
	opts                ServiceCommandOptions
	cfgPath             string
	secretFilePath      string
	serviceNameOverride string
}

func (c *commandContext) loadConfig(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
	return LoadConfigAndLogger(
		c.cfgPath,
		c.opts.EnvPrefix,
		c.secretFilePath,
		c.opts.ValidateConfig,
		c.opts.Name,
		c.serviceNameOverride,
		cmd.ErrOrStderr(),
	)
}

// NewServiceCommand creates the CLI with publish, consume, ack, requeue, stats, work,
// healthcheck, version and config subcommands.
func NewServiceCommand(opts ServiceCommandOptions) *cobra.Command {
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "APP"
	}
	if opts.StoreFactory == nil {
		opts.StoreFactory = defaultStoreFactory
	}
	cc := &commandContext{opts: opts}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	SetCommandPolicies(rootCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	rootCmd.PersistentFlags().StringVarP(&cc.cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&cc.secretFilePath, "secret-file", "", "path to secrets file (sets <PREFIX>_SECRETS_FILE)")
	rootCmd.PersistentFlags().StringVar(&cc.serviceNameOverride, "service-name", "", "service name override")

	rootCmd.AddCommand(
		newVersionCommand(opts.Name),
		newPublishCommand(cc),
		newConsumeCommand(cc),
		newAckCommand(cc),
		newRequeueCommand(cc),
		newStatsCommand(cc),
		newHealthcheckCommand(cc),
		newWorkCommand(cc),
		newConfigCommand(cc),
	)

	for _, customCmd := range opts.CustomCommands {
		ensureDefaultPolicy(customCmd)
		rootCmd.AddCommand(customCmd)
	}

	rootCmd.CompletionOptions.DisableDefaultCmd = false
	rootCmd.InitDefaultCompletionCmd()
	for _, subCmd := range rootCmd.Commands() {
		if subCmd != nil && subCmd.Name() == "completion" {
			SetCommandPolicies(subCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
			break
		}
	}
	return rootCmd
}

func newVersionCommand(name string) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Current(name)
			out := cmd.OutOrStdout()
			if output == "yaml" {
				return writeYAML(out, info)
			}
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Queue tag:  %s\n", info.QueueTag)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or yaml")
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	return cmd
}

func newConfigCommand(cc *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}
	SetCommandPolicies(configCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := cc.loadConfig(cmd); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}
	SetCommandPolicies(validateCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	configCmd.AddCommand(validateCmd)

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applySecretFileFlag(cc.opts.EnvPrefix, cc.secretFilePath); err != nil {
				return err
			}
			loader := config.NewViperLoader(cc.cfgPath, cc.opts.EnvPrefix).WithServiceNameDefault(cc.opts.Name)
			settings, secrets, err := loader.Settings()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			settings = setServiceNameSetting(settings, resolveServiceNameValue(serviceNameSetting(settings), cc.opts.Name, cc.serviceNameOverride))
			if !showSecrets {
				settings = redactSettingsMap(settings, secrets)
				settings = redactSensitiveKeys(settings)
			}
			formatted, err := formatSettings(settings)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatted)
			return nil
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")
	SetCommandPolicies(showCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	configCmd.AddCommand(showCmd)

	return configCmd
}

// SetCommandPolicies stores policies as a map[string]string on command annotations using the "policies." prefix.
func SetCommandPolicies(cmd *cobra.Command, policies map[string]CommandPolicy) {
	if cmd == nil {
		return
	}
	if cmd.Annotations == nil {
		cmd.Annotations = make(map[string]string)
	}
	for _, key := range policyAnnotationKeys(cmd.Annotations) {
		delete(cmd.Annotations, key)
	}
	for context, policy := range policies {
		trimmedContext := strings.TrimSpace(context)
		if trimmedContext == "" {
			continue
		}
		cmd.Annotations[policiesAnnotationPrefix+trimmedContext] = string(policy)
	}
}

// GetCommandPolicies returns command policies from annotations.
func GetCommandPolicies(cmd *cobra.Command) map[string]string {
	out := map[string]string{}
	if cmd == nil {
		return out
	}
	for key, value := range cmd.Annotations {
		if !strings.HasPrefix(key, policiesAnnotationPrefix) {
			continue
		}
		context := strings.TrimPrefix(key, policiesAnnotationPrefix)
		if strings.TrimSpace(context) == "" {
			continue
		}
		out[context] = value
	}
	return out
}

func ensureDefaultPolicy(cmd *cobra.Command) {
	if cmd == nil {
		return
	}
	if len(GetCommandPolicies(cmd)) == 0 {
		SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	}
}

func policyAnnotationKeys(annotations map[string]string) []string {
	keys := make([]string, 0, len(annotations))
	for key := range annotations {
		if strings.HasPrefix(key, policiesAnnotationPrefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// LoadConfigAndLogger loads and validates the configuration, then builds the zap logger it
// describes writing to logOutput (stdout when nil).
func LoadConfigAndLogger(
	cfgPath,
	envPrefix,
	secretFilePath string,
	customValidator func(*config.Config) error,
	defaultServiceName string,
	serviceNameOverride string,
	logOutput io.Writer,
) (*config.Config, logger.Logger, error) {
	if envPrefix == "" {
		envPrefix = "APP"
	}
	if err := applySecretFileFlag(envPrefix, secretFilePath); err != nil {
		return nil, nil, err
	}
	cfg, err := config.NewViperLoader(cfgPath, envPrefix).
		WithServiceNameDefault(defaultServiceName).
		LoadWithSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Service.Name = resolveServiceNameValue(cfg.Service.Name, defaultServiceName, serviceNameOverride)

	if customValidator != nil {
		if err := customValidator(cfg); err != nil {
			return nil, nil, fmt.Errorf("custom validation failed: %w", err)
		}
	}

	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(cfg.Observability.LogLevel),
		Format: logger.LogFormat(cfg.Observability.LogFormat),
		Output: logOutput,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	logConfigIfDebug(log, cfg)
	return cfg, log.With("service", cfg.Service.Name), nil
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(resolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

func writeYAML(w io.Writer, value any) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(value); err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	return encoder.Close()
}

func formatSettings(settings map[string]any) (string, error) {
	if settings == nil {
		return "{}\n", nil
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}

// sensitiveKeys are masked in config show even when they do not come from the secrets file.
var sensitiveKeys = map[string]struct{}{
	"url":               {},
	"access_key_id":     {},
	"secret_access_key": {},
	"session_token":     {},
}

func redactSensitiveKeys(settings map[string]any) map[string]any {
	out := make(map[string]any, len(settings))
	for key, value := range settings {
		switch typed := value.(type) {
		case map[string]any:
			out[key] = redactSensitiveKeys(typed)
		default:
			if _, sensitive := sensitiveKeys[key]; sensitive && shouldRedactSetting(value) {
				out[key] = "***"
				continue
			}
			out[key] = value
		}
	}
	return out
}

func redactSettingsMap(settings, secrets map[string]any) map[string]any {
	if len(settings) == 0 || len(secrets) == 0 {
		return settings
	}
	out := make(map[string]any, len(settings))
	for key, value := range settings {
		mask, ok := secrets[key]
		if !ok {
			out[key] = value
			continue
		}
		out[key] = redactSettingValue(value, mask)
	}
	return out
}

func redactSettingValue(value, mask any) any {
	maskMap, maskIsMap := mask.(map[string]any)
	if maskIsMap {
		valueMap, valueIsMap := value.(map[string]any)
		if !valueIsMap {
			if shouldRedactSetting(mask) {
				return "***"
			}
			return value
		}
		out := make(map[string]any, len(valueMap))
		for key, item := range valueMap {
			childMask, ok := maskMap[key]
			if !ok {
				out[key] = item
				continue
			}
			out[key] = redactSettingValue(item, childMask)
		}
		return out
	}
	if shouldRedactSetting(mask) {
		return "***"
	}
	return value
}

func shouldRedactSetting(mask any) bool {
	if mask == nil {
		return false
	}
	switch value := mask.(type) {
	case string:
		return strings.TrimSpace(value) != ""
	case bool:
		return value
	case []any:
		return len(value) > 0
	case map[string]any:
		return len(value) > 0
	default:
		return !reflect.ValueOf(mask).IsZero()
	}
}

// Execute runs the command and exits with appropriate code.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logConfigIfDebug(log logger.Logger, cfg *config.Config) {
	if log == nil || cfg == nil {
		return
	}
	if !strings.EqualFold(cfg.Observability.LogLevel, string(logger.DebugLevel)) {
		return
	}
	log.Debug("effective configuration",
		"backend", cfg.Queue.Backend,
		"version_filter", cfg.Queue.VersionFilter,
		"lease_duration", cfg.Queue.LeaseDuration,
		"types", cfg.Queue.TypeNames(),
	)
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return "APP"
	}
	return strings.ToUpper(trimmed)
}

func resolveServiceNameValue(currentConfigName, defaultServiceName, serviceNameOverride string) string {
	if override := strings.TrimSpace(serviceNameOverride); override != "" {
		return override
	}
	if configured := strings.TrimSpace(currentConfigName); configured != "" {
		return configured
	}
	if fallback := strings.TrimSpace(defaultServiceName); fallback != "" {
		return fallback
	}
	return "app"
}

func serviceNameSetting(settings map[string]any) string {
	service, _ := settings["service"].(map[string]any)
	name, _ := service["name"].(string)
	return name
}

func setServiceNameSetting(settings map[string]any, serviceName string) map[string]any {
	if settings == nil {
		settings = map[string]any{}
	}
	service, ok := settings["service"].(map[string]any)
	if !ok || service == nil {
		service = map[string]any{}
	}
	service["name"] = serviceName
	settings["service"] = service
	return settings
}
