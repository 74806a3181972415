package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cloudmodel/endpoint-tools/internal/client"
	"github.com/cloudmodel/endpoint-tools/internal/models"
	"github.com/cloudmodel/endpoint-tools/internal/rag"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var ragQueryFlags struct {
	maxChunks   int
	filterIDs   []string
	groupID     string
	userID      string
	filters     []string
	rawJSON     bool
	stream      bool
	interactive bool
	system      string
	maxTokens   int
}

var ragContextCmd = &cobra.Command{
	Use:   "context <query>",
	Short: "Retrieve relevant document chunks for a query",
	Long: `Ask the RAG backend for the document chunks most relevant to a query.
Retrieval can be narrowed by document ids, group, user, and metadata filter
expressions of the form field:operator:value (operators: eq, gt, lt,
contains).`,
	Args: cobra.ExactArgs(1),
	RunE: runRagContext,
}

var ragChatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Chat with retrieval-augmented context",
	Long: `Send a chat completion request through the RAG backend, which retrieves
relevant document chunks and injects them into the prompt server-side. The
same retrieval filters as 'rag context' apply. With --interactive a
multi-turn session is started.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRagChat,
}

func init() {
	ragCmd.AddCommand(ragContextCmd)
	ragCmd.AddCommand(ragChatCmd)

	for _, c := range []*cobra.Command{ragContextCmd, ragChatCmd} {
		c.Flags().IntVar(&ragQueryFlags.maxChunks, "max-chunks", 0, "maximum chunks to retrieve")
		c.Flags().StringArrayVar(&ragQueryFlags.filterIDs, "filter-id", nil, "restrict retrieval to this document id (repeatable)")
		c.Flags().StringVar(&ragQueryFlags.groupID, "group", "", "restrict retrieval to this group")
		c.Flags().StringArrayVar(&ragQueryFlags.filters, "filter", nil, "metadata filter field:operator:value (repeatable)")
	}
	ragContextCmd.Flags().StringVar(&ragQueryFlags.userID, "user", "", "restrict retrieval to this user")
	ragContextCmd.Flags().BoolVar(&ragQueryFlags.rawJSON, "output-json", false, "print the raw JSON response")

	ragChatCmd.Flags().BoolVar(&ragQueryFlags.stream, "stream", false, "stream the response")
	ragChatCmd.Flags().BoolVarP(&ragQueryFlags.interactive, "interactive", "i", false, "start an interactive session")
	ragChatCmd.Flags().StringVar(&ragQueryFlags.system, "system", "You are a helpful assistant. Answer based on the provided context.", "system prompt")
	ragChatCmd.Flags().IntVar(&ragQueryFlags.maxTokens, "max-tokens", 500, "maximum tokens to generate")
}

func runRagContext(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := requireRAG(cfg); err != nil {
		return err
	}

	filters, err := rag.ParseMetadataFilters(ragQueryFlags.filters)
	if err != nil {
		return err
	}

	maxChunks := ragQueryFlags.maxChunks
	if maxChunks == 0 {
		maxChunks = cfg.RAG.MaxChunks
	}

	req := &models.ContextRequest{
		Query:           args[0],
		MaxChunks:       maxChunks,
		FilterIDs:       ragQueryFlags.filterIDs,
		GroupID:         ragQueryFlags.groupID,
		UserID:          ragQueryFlags.userID,
		MetadataFilters: filters,
	}

	fmt.Printf("Retrieving context for: %s\n", args[0])
	resp, err := ragClient(cfg).Context(cmd.Context(), req)
	if err != nil {
		return err
	}

	if ragQueryFlags.rawJSON {
		raw, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	}

	if len(resp.Chunks) == 0 {
		fmt.Println("\nNo relevant chunks found.")
		return nil
	}

	fmt.Printf("\nRetrieved %d chunk(s):\n", len(resp.Chunks))
	for i, chunk := range resp.Chunks {
		score := ""
		if i < len(resp.Scores) {
			score = fmt.Sprintf(" (score %.4f)", resp.Scores[i])
		}
		fmt.Printf("\n[Chunk %d]%s\n%s\n", i+1, score, chunk)
	}

	if len(resp.Files) > 0 {
		fmt.Println("\nSource files:")
		table := tablewriter.NewWriter(os.Stdout)
		table.Header([]string{"ID", "User", "Groups", "Top Score", "Chunks", "Metadata"})
		for _, f := range resp.Files {
			meta := ""
			if len(f.Metadata) > 0 {
				pairs := make([]string, 0, len(f.Metadata))
				for k, v := range f.Metadata {
					pairs = append(pairs, fmt.Sprintf("%s=%v", k, v))
				}
				meta = strings.Join(pairs, " ")
			}
			table.Append([]string{
				f.ID,
				f.UserID,
				strings.Join(f.GroupIDs, ","),
				fmt.Sprintf("%.4f", f.TopScore),
				fmt.Sprintf("%d", f.NChunks),
				meta,
			})
		}
		table.Render()
	}

	return nil
}

func runRagChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := requireRAG(cfg); err != nil {
		return err
	}

	filters, err := rag.ParseMetadataFilters(ragQueryFlags.filters)
	if err != nil {
		return err
	}

	c := ragClient(cfg).ChatClient()

	if ragQueryFlags.interactive {
		return interactiveRagChat(cmd.Context(), c, cfg.RAG.Model, filters)
	}

	if len(args) == 0 {
		return fmt.Errorf("a prompt is required unless --interactive is set")
	}

	req := &models.ChatCompletionRequest{
		Model: cfg.RAG.Model,
		Messages: []models.ChatCompletionMessage{
			{Role: "system", Content: ragQueryFlags.system},
			{Role: "user", Content: args[0]},
		},
		MaxTokens:       ragQueryFlags.maxTokens,
		MaxChunks:       ragQueryFlags.maxChunks,
		FilterIDs:       ragQueryFlags.filterIDs,
		GroupID:         ragQueryFlags.groupID,
		MetadataFilters: filters,
	}

	if ragQueryFlags.stream {
		fmt.Println("Sending RAG chat request (streaming)...")
		fmt.Println(strings.Repeat("-", 60))
		_, usage, err := c.StreamText(cmd.Context(), req, func(delta string) {
			fmt.Print(delta)
		})
		if err != nil {
			return err
		}
		fmt.Println("\n" + strings.Repeat("-", 60))
		printUsage(usage)
		return nil
	}

	fmt.Println("Sending RAG chat request...")
	resp, err := c.Complete(cmd.Context(), req)
	if err != nil {
		return err
	}

	fmt.Println(strings.Repeat("-", 60))
	fmt.Println(resp.Choices[0].Message.ContentText())
	fmt.Println(strings.Repeat("-", 60))
	printUsage(resp.Usage)

	return nil
}

// interactiveRagChat runs a multi-turn session against the RAG endpoint with
// the same controls as the plain chat session.
func interactiveRagChat(ctx context.Context, c *client.Client, model string, filters []models.MetadataFilter) error {
	systemMessage := models.ChatCompletionMessage{Role: "system", Content: ragQueryFlags.system}
	messages := []models.ChatCompletionMessage{systemMessage}

	fmt.Println("\n" + strings.Repeat("=", 50))
	fmt.Println("RAG Chat Session")
	fmt.Println("Type 'exit' or 'quit' to end the conversation")
	fmt.Println("Type 'clear' to reset the conversation history")
	fmt.Println(strings.Repeat("=", 50))

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\nYou: ")
		if !scanner.Scan() {
			fmt.Println("\nGoodbye!")
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())

		switch strings.ToLower(input) {
		case "":
			continue
		case "exit", "quit":
			fmt.Println("\nGoodbye!")
			return nil
		case "clear":
			messages = []models.ChatCompletionMessage{systemMessage}
			fmt.Println("\nConversation history has been cleared.")
			continue
		}

		messages = append(messages, models.ChatCompletionMessage{Role: "user", Content: input})

		req := &models.ChatCompletionRequest{
			Model:           model,
			Messages:        messages,
			MaxTokens:       ragQueryFlags.maxTokens,
			MaxChunks:       ragQueryFlags.maxChunks,
			FilterIDs:       ragQueryFlags.filterIDs,
			GroupID:         ragQueryFlags.groupID,
			MetadataFilters: filters,
		}

		if ragQueryFlags.stream {
			fmt.Print("\nAssistant: ")
			full, usage, err := c.StreamText(ctx, req, func(delta string) {
				fmt.Print(delta)
			})
			fmt.Println()
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				messages = messages[:len(messages)-1]
				continue
			}
			messages = append(messages, models.ChatCompletionMessage{Role: "assistant", Content: full})
			printUsage(usage)
			continue
		}

		resp, err := c.Complete(ctx, req)
		if err != nil {
			fmt.Printf("\nError: %v\n", err)
			messages = messages[:len(messages)-1]
			continue
		}

		content := resp.Choices[0].Message.ContentText()
		fmt.Printf("\nAssistant: %s\n", content)
		messages = append(messages, models.ChatCompletionMessage{Role: "assistant", Content: content})
		printUsage(resp.Usage)
	}
}
