package playbook

import (
	"time"
)

// BuiltInPlaybooks returns the playbooks shipped with the engine.
func BuiltInPlaybooks() []*Playbook {
	return []*Playbook{
		{
			ID:          "malware-outbreak",
			Name:        "Malware Outbreak Response",
			Description: "Contain and eradicate malware confirmed on an endpoint",
			Version:     1,
			Priority:    90,
			AutoExecute: true,
			Tags:        []string{"malware", "endpoint"},
			Conditions: []ConditionSet{
				{"event_type": "malware_detected", "confidence": ">0.8"},
				{"event_type": "ransomware_detected"},
			},
			Actions: []Action{
				{
					ID:          "investigate-host",
					Capability:  CapabilityInvestigate,
					Description: "Collect process tree and file hashes from the host",
					Parameters:  map[string]interface{}{"host": "{{host}}"},
					Timeout:     2 * time.Minute,
					RetryCount:  2,
				},
				{
					ID:               "isolate-host",
					Capability:       CapabilityContain,
					Description:      "Network-isolate the infected host via EDR",
					Parameters:       map[string]interface{}{"target": "{{host}}", "mode": "network"},
					ApprovalRequired: ApprovalAnalyst,
					Timeout:          5 * time.Minute,
					RetryCount:       1,
					DependsOn:        []string{"investigate-host"},
					SuccessCriteria:  map[string]interface{}{"isolated": true},
				},
				{
					ID:          "block-hash",
					Capability:  CapabilityBlock,
					Description: "Block the malicious file hash fleet-wide",
					Parameters:  map[string]interface{}{"indicator": "{{file_hash}}"},
					Timeout:     time.Minute,
					RetryCount:  2,
					DependsOn:   []string{"investigate-host"},
				},
				{
					ID:               "eradicate-malware",
					Capability:       CapabilityEradicate,
					Description:      "Remove malicious artifacts from the host",
					Parameters:       map[string]interface{}{"target": "{{host}}"},
					ApprovalRequired: ApprovalManager,
					Timeout:          10 * time.Minute,
					DependsOn:        []string{"isolate-host"},
				},
				{
					ID:          "notify-soc",
					Capability:  CapabilityNotify,
					Description: "Notify the SOC channel",
					Parameters: map[string]interface{}{
						"channel": "soc",
						"message": "Malware outbreak response started for {{host}}",
					},
					Timeout: 30 * time.Second,
				},
			},
		},
		{
			ID:          "phishing-triage",
			Name:        "Phishing Email Triage",
			Description: "Analyze a reported phishing email and quarantine copies",
			Version:     1,
			Priority:    60,
			AutoExecute: true,
			Tags:        []string{"phishing", "email"},
			Conditions: []ConditionSet{
				{"event_type": "phishing_reported"},
				{"event_type": "email_threat", "severity": "high"},
			},
			Actions: []Action{
				{
					ID:          "analyze-message",
					Capability:  CapabilityAnalyze,
					Description: "Detonate attachments and extract indicators",
					Parameters:  map[string]interface{}{"message_id": "{{message_id}}"},
					Timeout:     5 * time.Minute,
					RetryCount:  1,
				},
				{
					ID:          "quarantine-message",
					Capability:  CapabilityQuarantine,
					Description: "Pull matching messages from all mailboxes",
					Parameters:  map[string]interface{}{"target": "{{message_id}}"},
					Timeout:     2 * time.Minute,
					RetryCount:  2,
					DependsOn:   []string{"analyze-message"},
				},
				{
					ID:               "block-sender",
					Capability:       CapabilityBlock,
					Description:      "Block the sender domain at the email gateway",
					Parameters:       map[string]interface{}{"indicator": "{{sender}}", "duration": "72h"},
					ApprovalRequired: ApprovalAnalyst,
					Timeout:          time.Minute,
					DependsOn:        []string{"analyze-message"},
				},
				{
					ID:          "notify-users",
					Capability:  CapabilityNotify,
					Description: "Tell recipients the message was removed",
					Parameters:  map[string]interface{}{"channel": "email", "message": "A phishing message was removed from your mailbox"},
					Timeout:     time.Minute,
					DependsOn:   []string{"quarantine-message"},
				},
			},
		},
		{
			ID:          "brute-force-login",
			Name:        "Brute Force Login Response",
			Description: "Block the source of repeated failed logins",
			Version:     1,
			Priority:    50,
			AutoExecute: true,
			Tags:        []string{"identity", "network"},
			Conditions: []ConditionSet{
				{"event_type": "auth_failure_burst", "failed_attempts": ">20"},
			},
			Actions: []Action{
				{
					ID:          "investigate-source",
					Capability:  CapabilityInvestigate,
					Description: "Enrich the source address with threat intel",
					Parameters:  map[string]interface{}{"ip": "{{source_ip}}"},
					Timeout:     time.Minute,
					RetryCount:  1,
				},
				{
					ID:          "block-source",
					Capability:  CapabilityBlock,
					Description: "Block the source address at the firewall",
					Parameters:  map[string]interface{}{"indicator": "{{source_ip}}", "duration": "24h"},
					Timeout:     time.Minute,
					RetryCount:  2,
					DependsOn:   []string{"investigate-source"},
				},
				{
					ID:          "notify-identity",
					Capability:  CapabilityNotify,
					Description: "Notify the identity team",
					Parameters:  map[string]interface{}{"channel": "identity"},
					Timeout:     30 * time.Second,
					DependsOn:   []string{"block-source"},
				},
			},
		},
		{
			ID:          "key-export-attempt",
			Name:        "Key Export Attempt",
			Description: "Isolate a system attempting to export signing keys",
			Version:     1,
			Priority:    100,
			AutoExecute: true,
			Tags:        []string{"keys", "critical"},
			Conditions: []ConditionSet{
				{"event_type": "key_export_attempt"},
			},
			Actions: []Action{
				{
					ID:          "notify-security",
					Capability:  CapabilityNotify,
					Description: "Page the security on-call",
					Parameters:  map[string]interface{}{"channel": "security-oncall"},
					Timeout:     30 * time.Second,
					RetryCount:  3,
				},
				{
					ID:               "isolate-system",
					Capability:       CapabilityContain,
					Description:      "Isolate the affected system",
					Parameters:       map[string]interface{}{"target": "{{host}}"},
					ApprovalRequired: ApprovalCISO,
					Timeout:          5 * time.Minute,
				},
				{
					ID:          "recover-keys",
					Capability:  CapabilityRecover,
					Description: "Rotate the exposed key material",
					Parameters:  map[string]interface{}{"target": "{{key_id}}"},
					Timeout:     15 * time.Minute,
					DependsOn:   []string{"isolate-system"},
				},
			},
		},
	}
}

// RegisterBuiltIns registers the built-in playbooks, skipping ids that are
// already taken.
func (r *Registry) RegisterBuiltIns() error {
	for _, p := range BuiltInPlaybooks() {
		p.CreatedAt = time.Now().UTC()
		if _, err := r.Register(p); err != nil {
			if isExists(err) {
				continue
			}
			return err
		}
	}
	return nil
}
