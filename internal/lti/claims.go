// internal/lti/claims.go
package lti

// Claim URIs and well-known values from the IMS LTI 1.3 / Advantage specs.
// Only the subset this tool consumes or emits.
const (
	ClaimMessageType        = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion            = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID       = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLinkURI      = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimResourceLink       = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimRoles              = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimRoleScopeMentor    = "https://purl.imsglobal.org/spec/lti/claim/role_scope_mentor"
	ClaimContext            = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimToolPlatform       = "https://purl.imsglobal.org/spec/lti/claim/tool_platform"
	ClaimLaunchPresentation = "https://purl.imsglobal.org/spec/lti/claim/launch_presentation"
	ClaimLIS                = "https://purl.imsglobal.org/spec/lti/claim/lis"
	ClaimCustom             = "https://purl.imsglobal.org/spec/lti/claim/custom"
	ClaimLTI11LegacyUserID  = "https://purl.imsglobal.org/spec/lti/claim/lti11_legacy_user_id"

	ClaimAGSEndpoint = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
	ClaimNRPS        = "https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice"

	ClaimDeepLinkSettings = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
	ClaimDeepLinkContent  = "https://purl.imsglobal.org/spec/lti-dl/claim/content_items"
	ClaimDeepLinkData     = "https://purl.imsglobal.org/spec/lti-dl/claim/data"

	MessageTypeResourceLink     = "LtiResourceLinkRequest"
	MessageTypeDeepLinking      = "LtiDeepLinkingRequest"
	MessageTypeDeepLinkResponse = "LtiDeepLinkingResponse"
	LTIVersion3                 = "1.3.0"

	RoleMembershipAdministrator = "http://purl.imsglobal.org/vocab/lis/v2/membership#Administrator"
	RoleMembershipInstructor    = "http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor"
	RoleMembershipLearner       = "http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"
)

// Numeric role ranks persisted on memberships.
const (
	RankGeneral       = 0
	RankInstructor    = 1
	RankAdministrator = 2
)
