package discord

import "github.com/bwmarrin/discordgo"

// UserAvatarURL returns the CDN location of a primary avatar.
func UserAvatarURL(userID, hash string) string {
	return discordgo.EndpointUserAvatar(userID, hash)
}

// GuildMemberAvatarURL returns the CDN location of a guild-specific avatar.
func GuildMemberAvatarURL(guildID, userID, hash string) string {
	return discordgo.EndpointGuildMemberAvatar(guildID, userID, hash)
}

// GuildAvatarSubject keys guild avatars apart from the primary avatar of the same user.
func GuildAvatarSubject(guildID, userID string) string {
	return guildID + "/" + userID
}
