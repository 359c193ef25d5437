package wikibot

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

const (
	// embedPageSize is the max number of characters in one embed page,
	// counting the title and each field's name and value
	embedPageSize = 1024

	discordMaxEmbedFields      = 25
	discordMaxEmbedsPerMessage = 10
	embedColor                 = 0x5865F2
)

// paginateEmbeds lays out fields over as many embeds as needed so that
// no embed exceeds embedPageSize characters. A field that doesn't fit
// on a page by itself is split on line boundaries into fields with
// the same name. With more than one page, titles are suffixed " i/n".
func paginateEmbeds(title string, fields []*discordgo.MessageEmbedField) []*discordgo.MessageEmbed {
	budget := embedPageSize - utf8.RuneCountInString(title) - len(" 99/99")

	var split []*discordgo.MessageEmbedField
	for _, f := range fields {
		split = append(split, splitEmbedField(f, budget)...)
	}

	var pages []*discordgo.MessageEmbed
	page := &discordgo.MessageEmbed{Title: title, Color: embedColor}
	size := 0
	for _, f := range split {
		if strings.TrimSpace(f.Value) == "" {
			continue
		}
		fs := embedFieldSize(f)
		if len(page.Fields) > 0 &&
			(size+fs > budget || len(page.Fields) >= discordMaxEmbedFields) {
			pages = append(pages, page)
			page = &discordgo.MessageEmbed{Title: title, Color: embedColor}
			size = 0
		}
		page.Fields = append(page.Fields, f)
		size += fs
	}
	pages = append(pages, page)

	if len(pages) > 1 {
		for i, p := range pages {
			p.Title = fmt.Sprintf("%s %d/%d", p.Title, i+1, len(pages))
		}
	}
	return pages
}

func embedFieldSize(f *discordgo.MessageEmbedField) int {
	return utf8.RuneCountInString(f.Name) + utf8.RuneCountInString(f.Value)
}

// splitEmbedField splits f into fields of at most budget characters,
// halving its lines until each part fits. A single line that's still
// too long is cut.
func splitEmbedField(f *discordgo.MessageEmbedField, budget int) []*discordgo.MessageEmbedField {
	if embedFieldSize(f) <= budget {
		return []*discordgo.MessageEmbedField{f}
	}
	lines := strings.Split(f.Value, "\n")
	if len(lines) < 2 {
		valueBudget := budget - utf8.RuneCountInString(f.Name)
		if valueBudget < 1 {
			valueBudget = 1
		}
		head := truncate(f.Value, valueBudget)
		tail := string([]rune(f.Value)[utf8.RuneCountInString(head):])
		out := []*discordgo.MessageEmbedField{{Name: f.Name, Value: head, Inline: f.Inline}}
		if tail != "" {
			rest := &discordgo.MessageEmbedField{Name: f.Name, Value: tail, Inline: f.Inline}
			out = append(out, splitEmbedField(rest, budget)...)
		}
		return out
	}
	half := len(lines) / 2
	first := &discordgo.MessageEmbedField{
		Name:   f.Name,
		Value:  strings.Join(lines[:half], "\n"),
		Inline: f.Inline,
	}
	second := &discordgo.MessageEmbedField{
		Name:   f.Name,
		Value:  strings.Join(lines[half:], "\n"),
		Inline: f.Inline,
	}
	return append(splitEmbedField(first, budget), splitEmbedField(second, budget)...)
}
