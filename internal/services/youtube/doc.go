// Package youtube uploads approved videos through the YouTube Data API v3.
//
// Credentials follow the installed-application OAuth flow: a client secrets
// file from the API console plus a token file minted once via Authorize and
// Exchange. Upload performs videos.insert with the media attached, setting
// title, description, tags, category, audio language, and privacy. The token
// source refreshes access tokens transparently from the stored refresh token.
package youtube
