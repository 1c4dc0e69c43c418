package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/harun/otaku/internal/observability"
	"github.com/harun/otaku/pkg/toolexecutor"
)

// Tool names
const (
	SearchAnime         = "search_anime"
	AnimeDetails        = "anime_details"
	RankedAnime         = "ranked_anime"
	SeasonalAnime       = "seasonal_anime"
	GetUserAnimeList    = "get_user_anime_list"
	UpdateAnimeList     = "update_anime_list"
	DeleteAnimeFromList = "delete_anime_from_list"
	UserDetails         = "user_details"
	SearchManga         = "search_manga"
	MangaDetails        = "manga_details"
	RankedManga         = "ranked_manga"
	GetUserMangaList    = "get_user_manga_list"
	UpdateMangaList     = "update_manga_list"
	DeleteMangaFromList = "delete_manga_from_list"
	GetForumBoards      = "get_forum_boards"
	GetForumTopics      = "get_forum_topics"
	ReadForumTopic      = "read_forum_topic"
)

const forumPageLimit = "10"

// Tool subsets bound to each expert
var (
	AnimeTools = []string{
		SearchAnime, AnimeDetails, RankedAnime, SeasonalAnime,
		GetUserAnimeList, UpdateAnimeList, DeleteAnimeFromList, UserDetails,
	}
	MangaTools = []string{
		SearchManga, MangaDetails, RankedManga,
		GetUserMangaList, UpdateMangaList, DeleteMangaFromList, UserDetails,
	}
	ForumTools = []string{GetForumBoards, GetForumTopics, ReadForumTopic}
)

// InputParameter is the single pipe separated argument every catalog tool takes
const InputParameter = "input"

type inputFunc func(ctx context.Context, input string) (interface{}, error)

// inputTool wraps fn as a tool taking the pipe-separated input string.
// Catalog bodies are JSON and are handed to the model whole.
func inputTool(name, description, inputHelp string, fn inputFunc) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        name,
		Description: description,
		Parameters: []toolexecutor.ToolParameter{{
			Name:        InputParameter,
			Type:        "string",
			Description: inputHelp,
			Required:    true,
		}},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			input, _ := params[InputParameter].(string)
			return fn(ctx, input)
		},
		Verbatim: true,
	}
}

// Register adds the catalog tools and the token refresh tool to exec
func Register(exec *toolexecutor.ToolExecutor, client *Client, refresher *Refresher) error {
	defs := client.Tools()
	if refresher != nil {
		defs = append(defs, refresher.Tool())
	}
	for _, def := range defs {
		if err := exec.RegisterTool(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}

// Tool returns the refresh_access_token tool definition. It takes no
// arguments; an input of None is accepted and ignored.
func (r *Refresher) Tool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        RefreshToolName,
		Description: "Refreshes the MyAnimeList access token. Use this when an API call failed with a 401 error, then retry the call.",
		Parameters: []toolexecutor.ToolParameter{{
			Name:        InputParameter,
			Type:        "string",
			Description: "Optional, always the word None.",
		}},
		Handler: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			if err := r.Refresh(ctx); err != nil {
				return nil, err
			}
			return "Success!", nil
		},
	}
}

// Tools returns the catalog tool definitions
func (c *Client) Tools() []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{
		inputTool(SearchAnime,
			"Searches MyAnimeList for an anime by name and returns titles and IDs. Titles are in the original language; anime_details alternative_titles may list others. If the search returns 'invalid q', use simpler terms.",
			"The anime name.",
			c.searchAnime),
		inputTool(AnimeDetails,
			"Returns details of an anime by numeric ID (find it with search_anime). The my_list_status field only ever describes the authenticated user's own list entry.",
			"id|fields where fields is a comma separated list without spaces, e.g. 5114|title,mean,rank,my_list_status",
			c.animeDetails),
		inputTool(RankedAnime,
			"Lists anime by ranking. Keep the limit as small as possible.",
			"limit|offset|ranking_type where ranking_type is one of all, airing, upcoming, tv, ova, movie, special, bypopularity, favorite. 1|4|all returns the 5th ranked anime.",
			c.rankedAnime),
		inputTool(SeasonalAnime,
			"Lists the anime of a season.",
			"year|season|sort|limit|offset where season is winter, spring, summer or fall and sort is anime_score or anime_num_list_users",
			c.seasonalAnime),
		inputTool(GetUserAnimeList,
			"Returns a user's anime list. Scores are not included but the list can be sorted by score; the top entry by score is the favorite. Do not use it to look up single entries.",
			"user|status|sort|limit|offset where user is @me for the main user, status is all, watching, completed, on_hold, dropped or plan_to_watch, sort is list_score, list_updated_at, anime_title or anime_start_date",
			c.userAnimeList),
		inputTool(UpdateAnimeList,
			"Updates an entry on the user's anime list. Fields not asked to change must keep their current values (read them with anime_details).",
			"anime_id|status|is_rewatching|score|num_watched_episodes|num_times_rewatched",
			c.updateAnimeList),
		inputTool(DeleteAnimeFromList,
			"Deletes an entry from the user's anime list. A 404 response means the anime was never on the list.",
			"The anime id.",
			c.deleteAnime),
		inputTool(UserDetails,
			"Returns information and list statistics for the authenticated user (@me). Other users cannot be looked up.",
			"Comma separated fields: id, name, picture, gender, birthday, location, joined_at, anime_statistics, time_zone, is_supporter",
			c.userDetails),
		inputTool(SearchManga,
			"Searches MyAnimeList for a manga by name and returns titles and IDs. Titles are in the original language; manga_details alternative_titles may list others. If the search returns 'invalid q', use simpler terms.",
			"The manga name.",
			c.searchManga),
		inputTool(MangaDetails,
			"Returns details of a manga by numeric ID (find it with search_manga). The my_list_status field only ever describes the authenticated user's own list entry.",
			"id|fields where fields is a comma separated list without spaces, e.g. 2|title,mean,num_chapters,my_list_status",
			c.mangaDetails),
		inputTool(RankedManga,
			"Lists manga by ranking. Keep the limit as small as possible.",
			"limit|offset|ranking_type where ranking_type is one of all, manga, novels, oneshots, doujin, manhwa, manhua, bypopularity, favorite",
			c.rankedManga),
		inputTool(GetUserMangaList,
			"Returns a user's manga list. Scores are not included but the list can be sorted by score; the top entry by score is the favorite. Scores of other users cannot be found.",
			"user|status|sort|limit|offset where user is @me for the main user, status is all, reading, completed, on_hold, dropped or plan_to_read, sort is list_score, list_updated_at, manga_title or manga_start_date",
			c.userMangaList),
		inputTool(UpdateMangaList,
			"Updates an entry on the user's manga list. Fields not asked to change must keep their current values (read them with manga_details).",
			"manga_id|status|is_rereading|score|num_volumes_read|num_chapters_read|num_times_reread",
			c.updateMangaList),
		inputTool(DeleteMangaFromList,
			"Deletes an entry from the user's manga list. A 404 response means the manga was never on the list.",
			"The manga id.",
			c.deleteManga),
		inputTool(GetForumBoards,
			"Lists the forum boards and subboards.",
			"Always the word None.",
			c.forumBoards),
		inputTool(GetForumTopics,
			"Lists the topics of a forum board and/or subboard.",
			"board_id|subboard_id|query, each None when unused. board_id comes from get_forum_boards.",
			c.forumTopics),
		inputTool(ReadForumTopic,
			"Reads a forum topic by the id returned from get_forum_topics.",
			"The topic id.",
			c.readForumTopic),
	}
}

func (c *Client) get(ctx context.Context, path string, query params) (interface{}, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query.values()})
}

func (c *Client) searchAnime(ctx context.Context, input string) (interface{}, error) {
	q, err := single(input, "anime name")
	if err != nil {
		return nil, err
	}
	return c.get(ctx, "/anime", params{}.set("q", q))
}

func (c *Client) animeDetails(ctx context.Context, input string) (interface{}, error) {
	return c.details(ctx, "/anime/", input)
}

func (c *Client) mangaDetails(ctx context.Context, input string) (interface{}, error) {
	return c.details(ctx, "/manga/", input)
}

func (c *Client) details(ctx context.Context, prefix, input string) (interface{}, error) {
	f, err := splitArgs(input, 2)
	if err != nil {
		return nil, err
	}
	id, err := numericID(f[0], "id")
	if err != nil {
		return nil, err
	}
	return c.get(ctx, prefix+id, params{}.set("fields", f[1]))
}

func (c *Client) rankedAnime(ctx context.Context, input string) (interface{}, error) {
	return c.ranked(ctx, "/anime/ranking", input)
}

func (c *Client) rankedManga(ctx context.Context, input string) (interface{}, error) {
	return c.ranked(ctx, "/manga/ranking", input)
}

func (c *Client) ranked(ctx context.Context, path, input string) (interface{}, error) {
	f, err := splitArgs(input, 3)
	if err != nil {
		return nil, err
	}
	return c.get(ctx, path, params{}.
		set("limit", f[0]).
		set("offset", f[1]).
		set("ranking_type", f[2]))
}

func (c *Client) seasonalAnime(ctx context.Context, input string) (interface{}, error) {
	f, err := splitArgs(input, 5)
	if err != nil {
		return nil, err
	}
	year, err := numericID(f[0], "year")
	if err != nil {
		return nil, err
	}
	if isNone(f[1]) {
		return nil, fmt.Errorf("%w: season is required", ErrMalformedArgs)
	}
	path := fmt.Sprintf("/anime/season/%s/%s", year, url.PathEscape(f[1]))
	return c.get(ctx, path, params{}.
		set("sort", f[2]).
		set("limit", f[3]).
		set("offset", f[4]))
}

func (c *Client) userAnimeList(ctx context.Context, input string) (interface{}, error) {
	return c.userList(ctx, "animelist", input)
}

func (c *Client) userMangaList(ctx context.Context, input string) (interface{}, error) {
	return c.userList(ctx, "mangalist", input)
}

func (c *Client) userList(ctx context.Context, list, input string) (interface{}, error) {
	f, err := splitArgs(input, 5)
	if err != nil {
		return nil, err
	}
	user := f[0]
	if isNone(user) {
		user = "@me"
	}
	status := f[1]
	if status == "all" {
		status = ""
	}
	path := fmt.Sprintf("/users/%s/%s", url.PathEscape(user), list)
	return c.get(ctx, path, params{}.
		set("status", status).
		set("sort", f[2]).
		set("limit", f[3]).
		set("offset", f[4]))
}

func (c *Client) updateAnimeList(ctx context.Context, input string) (interface{}, error) {
	f, err := splitArgs(input, 6)
	if err != nil {
		return nil, err
	}
	form := params{}.
		set("status", f[1]).
		set("is_rewatching", f[2]).
		set("score", f[3]).
		set("num_watched_episodes", f[4]).
		set("num_times_rewatched", f[5])
	return c.mutate(ctx, UpdateAnimeList, http.MethodPut, "/anime/", f[0], form)
}

func (c *Client) updateMangaList(ctx context.Context, input string) (interface{}, error) {
	f, err := splitArgs(input, 7)
	if err != nil {
		return nil, err
	}
	form := params{}.
		set("status", f[1]).
		set("is_rereading", f[2]).
		set("score", f[3]).
		set("num_volumes_read", f[4]).
		set("num_chapters_read", f[5]).
		set("num_times_reread", f[6])
	return c.mutate(ctx, UpdateMangaList, http.MethodPut, "/manga/", f[0], form)
}

func (c *Client) deleteAnime(ctx context.Context, input string) (interface{}, error) {
	return c.mutate(ctx, DeleteAnimeFromList, http.MethodDelete, "/anime/", input, nil)
}

func (c *Client) deleteManga(ctx context.Context, input string) (interface{}, error) {
	return c.mutate(ctx, DeleteMangaFromList, http.MethodDelete, "/manga/", input, nil)
}

// mutate changes the user's list status of one entry and records an audit event
func (c *Client) mutate(ctx context.Context, tool, method, prefix, rawID string, form params) (interface{}, error) {
	id, err := numericID(rawID, "id")
	if err != nil {
		return nil, err
	}

	runID, actor := toolexecutor.CallerFromContext(ctx)
	body, err := c.Do(ctx, Request{
		Method: method,
		Path:   prefix + id + "/my_list_status",
		Form:   form.values(),
	})

	status := "success"
	if err != nil {
		status = "failure"
	} else if IsUnauthorized(body) {
		status = "unauthorized"
	}
	observability.RecordListMutationAudit(ctx, tool, actor, status, map[string]interface{}{
		"run_id": runID,
		"id":     id,
	})

	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) userDetails(ctx context.Context, input string) (interface{}, error) {
	return c.get(ctx, "/users/@me", params{}.set("fields", input))
}

func (c *Client) searchManga(ctx context.Context, input string) (interface{}, error) {
	q, err := single(input, "manga name")
	if err != nil {
		return nil, err
	}
	return c.get(ctx, "/manga", params{}.set("q", q))
}

func (c *Client) forumBoards(ctx context.Context, _ string) (interface{}, error) {
	return c.get(ctx, "/forum/boards", nil)
}

func (c *Client) forumTopics(ctx context.Context, input string) (interface{}, error) {
	f, err := splitArgs(input, 3)
	if err != nil {
		return nil, err
	}
	return c.get(ctx, "/forum/topics", params{}.
		set("board_id", f[0]).
		set("subboard_id", f[1]).
		set("q", f[2]).
		set("limit", forumPageLimit))
}

func (c *Client) readForumTopic(ctx context.Context, input string) (interface{}, error) {
	id, err := numericID(input, "topic id")
	if err != nil {
		return nil, err
	}
	return c.get(ctx, "/forum/topic/"+id, params{}.set("limit", forumPageLimit))
}
