package common

// AuthorizationHeaderName carries bearer credentials on inbound requests.
const AuthorizationHeaderName = "Authorization"

// BearerPrefix precedes the credential inside the Authorization header.
const BearerPrefix = "Bearer "
