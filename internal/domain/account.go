package domain

import (
	"time"
)

// Account is a tenant of the call-control service and the application its calls run
type Account struct {
	ID         string `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	AccountSid string `json:"account_sid" gorm:"type:varchar(64);uniqueIndex:uni_accounts_account_sid;not null"`
	Name       string `json:"name" gorm:"type:varchar(255);not null"`

	// Application webhooks
	CallHookURL       string `json:"call_hook_url" gorm:"type:text;not null"`
	CallHookMethod    string `json:"call_hook_method" gorm:"type:varchar(8);default:POST"`
	CallStatusHookURL string `json:"call_status_hook_url" gorm:"type:text"`
	WebhookUsername   string `json:"webhook_username" gorm:"type:varchar(255)"`
	WebhookPassword   string `json:"-" gorm:"type:varchar(255)"`

	// Recording needs a process-wide destination as well; RecordAllCalls starts it on answer
	RecordingEnabled bool `json:"recording_enabled" gorm:"default:false"`
	RecordAllCalls   bool `json:"record_all_calls" gorm:"default:false"`

	// Speech defaults, overridable per verb
	SynthesizerVendor   string `json:"synthesizer_vendor" gorm:"type:varchar(64)"`
	SynthesizerLanguage string `json:"synthesizer_language" gorm:"type:varchar(32)"`
	SynthesizerVoice    string `json:"synthesizer_voice" gorm:"type:varchar(128)"`
	RecognizerVendor    string `json:"recognizer_vendor" gorm:"type:varchar(64)"`
	RecognizerLanguage  string `json:"recognizer_language" gorm:"type:varchar(32)"`

	CustomConfig JSONB `json:"custom_config" gorm:"type:jsonb"`

	SpeechCredentials []SpeechCredential `json:"speech_credentials,omitempty" gorm:"foreignKey:AccountSid;references:AccountSid"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
	Disabled  bool      `json:"disabled" gorm:"default:false"`
}

// TableName sets the table name for Account
func (Account) TableName() string {
	return "accounts"
}

// SpeechCredential holds one vendor's credentials for an account
type SpeechCredential struct {
	ID         string `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	AccountSid string `json:"account_sid" gorm:"type:varchar(64);not null;index;uniqueIndex:idx_account_vendor_label"`
	Vendor     string `json:"vendor" gorm:"type:varchar(64);not null;uniqueIndex:idx_account_vendor_label"`
	Label      string `json:"label" gorm:"type:varchar(64);default:'';uniqueIndex:idx_account_vendor_label"`
	UseForTTS  bool   `json:"use_for_tts" gorm:"default:true"`
	UseForSTT  bool   `json:"use_for_stt" gorm:"default:true"`
	// Credential is handed to the media server as-is
	Credential JSONB `json:"-" gorm:"type:jsonb"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for SpeechCredential
func (SpeechCredential) TableName() string {
	return "speech_credentials"
}
