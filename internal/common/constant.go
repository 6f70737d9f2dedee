package common

// AuthorizationHeaderName is the HTTP header used to carry the access token
// on outbound relay requests.
const AuthorizationHeaderName = "Authorization"
