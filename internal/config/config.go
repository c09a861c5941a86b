package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Downstream DownstreamConfig `mapstructure:"downstream"`
	Watermark  WatermarkConfig  `mapstructure:"watermark"`
	Filters    FilterConfig     `mapstructure:"filters"`
	Mapping    MappingConfig    `mapstructure:"mapping"`
	AWS        AWSConfig        `mapstructure:"aws"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
}

// UpstreamConfig describes the case-management source system.
type UpstreamConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Instance       string `mapstructure:"instance"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	UserDomain     string `mapstructure:"user_domain"`
	RecordsPath    string `mapstructure:"records_path"`
	IDField        string `mapstructure:"id_field"`
	VerifySSL      bool   `mapstructure:"verify_ssl"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

func (c UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DownstreamConfig describes the case-intake destination API.
type DownstreamConfig struct {
	AuthURL        string `mapstructure:"auth_url"`
	ItemURL        string `mapstructure:"item_url"`
	ClientID       string `mapstructure:"client_id"`
	ClientSecret   string `mapstructure:"client_secret"`
	VerifySSL      bool   `mapstructure:"verify_ssl"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`

	// Mutual TLS: either file paths or inline PEM content. Files win when
	// both are set.
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CertPEM  string `mapstructure:"cert_pem"`
	KeyPEM   string `mapstructure:"key_pem"`

	// DuplicateMessage is the substring of errorMessage that identifies a
	// duplicate-tracking-ID rejection. Brittle against API wording changes,
	// so it is configuration rather than a constant.
	DuplicateMessage string `mapstructure:"duplicate_message"`

	RetryBackoffMs int `mapstructure:"retry_backoff_ms"`
}

func (c DownstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c DownstreamConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// WatermarkConfig describes where the last-run-time cursor lives.
type WatermarkConfig struct {
	Store         string `mapstructure:"store"` // ssm, file
	ParameterName string `mapstructure:"parameter_name"`
	FilePath      string `mapstructure:"file_path"`
	Timezone      string `mapstructure:"timezone"`
}

// FilterConfig toggles and parameterizes the eligibility stages.
type FilterConfig struct {
	FilterStatus     bool   `mapstructure:"filter_status"`
	StatusField      string `mapstructure:"status_field"`
	ActionableStatus string `mapstructure:"actionable_status"`

	FilterCategory     bool     `mapstructure:"filter_category"`
	CategoryField      string   `mapstructure:"category_field"`
	ExcludedCategories []string `mapstructure:"excluded_categories"`

	FilterDate         bool   `mapstructure:"filter_date"`
	PrimaryDateField   string `mapstructure:"primary_date_field"`
	SecondaryDateField string `mapstructure:"secondary_date_field"`
}

// FieldMap is one source-to-destination field rename. Order matters.
type FieldMap struct {
	Source string `mapstructure:"source"`
	Target string `mapstructure:"target"`
}

// CategoryMap translates one upstream taxonomy triple (type, category,
// subcategory) into the destination type/subtype/sharing values.
type CategoryMap struct {
	SourceType        string `mapstructure:"source_type"`
	SourceCategory    string `mapstructure:"source_category"`
	SourceSubcategory string `mapstructure:"source_subcategory"`
	Type              string `mapstructure:"type"`
	Subtype           string `mapstructure:"subtype"`
	Sharing           string `mapstructure:"sharing"`
}

// MappingConfig drives the field transformation stage.
type MappingConfig struct {
	Fields   []FieldMap             `mapstructure:"fields"`
	Defaults map[string]interface{} `mapstructure:"defaults"`

	// StripFields are destination fields whose values are HTML-stripped.
	StripFields []string `mapstructure:"strip_fields"`

	// DatetimeFields are destination fields reformatted to UTC ISO-8601.
	DatetimeFields []string `mapstructure:"datetime_fields"`

	TrackingField  string `mapstructure:"tracking_field"`
	TrackingPrefix string `mapstructure:"tracking_prefix"`

	// Categories translates upstream taxonomy triples into destination
	// values. Records whose triple has no entry get no taxonomy fields
	// and are reported. An empty table disables the stage.
	Categories               []CategoryMap `mapstructure:"categories"`
	TaxonomyTypeField        string        `mapstructure:"taxonomy_type_field"`
	TaxonomyCategoryField    string        `mapstructure:"taxonomy_category_field"`
	TaxonomySubcategoryField string        `mapstructure:"taxonomy_subcategory_field"`
	TypeTarget               string        `mapstructure:"type_target"`
	SubtypeTarget            string        `mapstructure:"subtype_target"`
	SharingTarget            string        `mapstructure:"sharing_target"`

	// Derived fields: title is "[<tag>]: <text>", details joins the listed
	// source fields with newlines.
	TitleTarget    string   `mapstructure:"title_target"`
	TitleTagField  string   `mapstructure:"title_tag_field"`
	TitleTextField string   `mapstructure:"title_text_field"`
	DetailsTarget  string   `mapstructure:"details_target"`
	DetailFields   []string `mapstructure:"detail_fields"`
}

// AWSConfig holds shared AWS client settings. EndpointURL supports localstack.
type AWSConfig struct {
	Region      string `mapstructure:"region"`
	EndpointURL string `mapstructure:"endpoint_url"`
	AccessKey   string `mapstructure:"access_key"`
	SecretKey   string `mapstructure:"secret_key"`
}

// SecretsConfig names the Secrets Manager secret overlaid onto this config.
type SecretsConfig struct {
	SecretID string `mapstructure:"secret_id"`
}

// LedgerConfig controls the local run-history database.
type LedgerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ArchiveConfig controls the S3 run-audit archive.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("upstream.username", "UPSTREAM_USERNAME")
	v.BindEnv("upstream.password", "UPSTREAM_PASSWORD")
	v.BindEnv("upstream.instance", "UPSTREAM_INSTANCE")
	v.BindEnv("upstream.base_url", "UPSTREAM_BASE_URL")
	v.BindEnv("downstream.client_id", "DOWNSTREAM_CLIENT_ID")
	v.BindEnv("downstream.client_secret", "DOWNSTREAM_CLIENT_SECRET")
	v.BindEnv("downstream.auth_url", "DOWNSTREAM_AUTH_URL")
	v.BindEnv("downstream.item_url", "DOWNSTREAM_ITEM_URL")
	v.BindEnv("downstream.cert_pem", "DOWNSTREAM_CERT_PEM")
	v.BindEnv("downstream.key_pem", "DOWNSTREAM_KEY_PEM")
	v.BindEnv("aws.region", "AWS_REGION")
	v.BindEnv("aws.endpoint_url", "AWS_ENDPOINT_URL")
	v.BindEnv("secrets.secret_id", "CONFIG_SECRET_ID")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("upstream.records_path", "api/core/content/incidents")
	v.SetDefault("upstream.id_field", "Incident_ID")
	v.SetDefault("upstream.verify_ssl", true)
	v.SetDefault("upstream.timeout_seconds", 30)

	v.SetDefault("downstream.verify_ssl", true)
	v.SetDefault("downstream.timeout_seconds", 30)
	v.SetDefault("downstream.duplicate_message", "Tenant Item ID already exists")
	v.SetDefault("downstream.retry_backoff_ms", 2000)

	v.SetDefault("watermark.store", "ssm")
	v.SetDefault("watermark.parameter_name", "/sirbridge/last-run-time")
	v.SetDefault("watermark.file_path", "./data/last-run-time")
	v.SetDefault("watermark.timezone", "America/New_York")

	v.SetDefault("filters.filter_status", true)
	v.SetDefault("filters.status_field", "Submission_Status")
	v.SetDefault("filters.actionable_status", "Assigned for Further Action")
	v.SetDefault("filters.filter_category", true)
	v.SetDefault("filters.category_field", "Category_Type")
	v.SetDefault("filters.excluded_categories", []string{})
	v.SetDefault("filters.filter_date", true)
	v.SetDefault("filters.primary_date_field", "Date_Processed")
	v.SetDefault("filters.secondary_date_field", "Local_Date_Reported")

	v.SetDefault("mapping.fields", []map[string]interface{}{
		{"source": "Local_Date_Reported", "target": "openDate"},
		{"source": "Facility_Address", "target": "location"},
		{"source": "Facility_Latitude", "target": "latitude"},
		{"source": "Facility_Longitude", "target": "longitude"},
		{"source": "Date_Processed", "target": "reportDate"},
	})
	v.SetDefault("mapping.defaults", map[string]interface{}{
		"phase":                "Monitored",
		"dissemination":        "FOUO",
		"initialMedium":        "Government Database",
		"initialMediaSource":   "Not Provided",
		"terrorismRelated":     false,
		"intlThreatsIncidents": false,
	})
	v.SetDefault("mapping.strip_fields", []string{"incidentReportDetails"})
	v.SetDefault("mapping.datetime_fields", []string{"openDate", "reportDate"})
	v.SetDefault("mapping.tracking_field", "tenantItemID")
	v.SetDefault("mapping.tracking_prefix", "SIR-")
	v.SetDefault("mapping.taxonomy_type_field", "Type_of_SIR")
	v.SetDefault("mapping.taxonomy_category_field", "Category_Type")
	v.SetDefault("mapping.taxonomy_subcategory_field", "Sub_Category_Type")
	v.SetDefault("mapping.type_target", "type")
	v.SetDefault("mapping.subtype_target", "subtype")
	v.SetDefault("mapping.sharing_target", "sharing")
	v.SetDefault("mapping.title_target", "title")
	v.SetDefault("mapping.title_tag_field", "Report_Number")
	v.SetDefault("mapping.title_text_field", "Incident_Type")
	v.SetDefault("mapping.details_target", "incidentReportDetails")
	v.SetDefault("mapping.detail_fields", []string{"Details", "Action_Taken"})

	v.SetDefault("aws.region", "us-east-1")

	v.SetDefault("ledger.enabled", false)
	v.SetDefault("ledger.path", "./data/runs.db")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.prefix", "runs")
}
