package accesscontrol

// Event topics published by the access control transport handlers. The
// manager itself emits nothing; every outcome is reported by the handler
// that observed it, and the journal module persists the payloads.
const (
	TopicDeviceRegistered   = "access.device.registered"
	TopicDeviceRefreshed    = "access.device.refreshed"
	TopicDeviceUnregistered = "access.device.unregistered"
	TopicRegistrationDenied = "access.registration.denied"
	TopicSubmissionAccepted = "access.submission.accepted"
	TopicSubmissionDenied   = "access.submission.denied"
	TopicAddressBlacklisted = "access.address.blacklisted"
	TopicAddressRestored    = "access.address.restored"
	TopicConfigUpdated      = "access.config.updated"
)
