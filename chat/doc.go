// Package chat runs the in-process Twitch chat listener.
//
// A Listener joins CHANNEL_NAME over IRC (gempir/go-twitch-irc) with the bot
// token from TWITCH_TOKEN. Alert-bot follow/sub lines are announced and turned
// into celebration events; "!ai <question>" lines pass the moderation filter
// and are handed to the Sink, which runs the AI pipeline and broadcasts the
// reply. Everything else is ignored.
//
// The bot login comes from TWITCH_BOT_USERNAME, or from the token itself via
// id.twitch.tv/oauth2/validate when that is unset.
package chat
