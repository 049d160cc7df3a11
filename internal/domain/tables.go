package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	// Messaging
	&Session{},
	&Credential{},
	// Campaigns
	&BulkJob{},
	&BulkMessage{},
}
