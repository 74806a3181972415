package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cloudmodel/endpoint-tools/internal/client"
	"github.com/cloudmodel/endpoint-tools/internal/models"
	"github.com/spf13/cobra"
)

var chatFlags struct {
	interactive bool
	stream      bool
	system      string
	temperature float64
	maxTokens   int
}

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Send a chat completion request to the model endpoint",
	Long: `Send a single chat completion request, or start a multi-turn session
with --interactive. With --stream the response is printed as it is generated.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().BoolVarP(&chatFlags.interactive, "interactive", "i", false, "start an interactive multi-turn session")
	chatCmd.Flags().BoolVar(&chatFlags.stream, "stream", false, "stream the response")
	chatCmd.Flags().StringVar(&chatFlags.system, "system", "You are a helpful assistant.", "system prompt")
	chatCmd.Flags().Float64VarP(&chatFlags.temperature, "temperature", "t", 0.7, "sampling temperature")
	chatCmd.Flags().IntVar(&chatFlags.maxTokens, "max-tokens", 300, "maximum tokens to generate")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := requireEndpoint(cfg); err != nil {
		return err
	}

	c := client.New(cfg.Endpoint.BaseURL, cfg.Endpoint.APIKey,
		client.WithTimeout(cfg.Endpoint.Timeout))
	fmt.Printf("Initializing client with %s...\n", c.BaseURL())

	if chatFlags.interactive {
		return interactiveChat(cmd.Context(), c, cfg.Endpoint.Model)
	}

	if len(args) == 0 {
		return fmt.Errorf("a prompt is required unless --interactive is set")
	}

	req := &models.ChatCompletionRequest{
		Model: cfg.Endpoint.Model,
		Messages: []models.ChatCompletionMessage{
			{Role: "system", Content: chatFlags.system},
			{Role: "user", Content: args[0]},
		},
		Temperature: chatFlags.temperature,
		MaxTokens:   chatFlags.maxTokens,
	}

	if chatFlags.stream {
		fmt.Println("Sending streaming request to chat completions API...")
		fmt.Println("\nStreaming response:")
		fmt.Println(strings.Repeat("-", 60))

		full, usage, err := c.StreamText(cmd.Context(), req, func(delta string) {
			fmt.Print(delta)
		})
		if err != nil {
			return err
		}

		fmt.Println("\n" + strings.Repeat("-", 60))
		fmt.Printf("\nFull response length: %d characters\n", len(full))
		printUsage(usage)
		return nil
	}

	fmt.Println("Sending request to chat completions API...")
	resp, err := c.Complete(cmd.Context(), req)
	if err != nil {
		return err
	}

	fmt.Println("\nAPI Response:")
	fmt.Println(strings.Repeat("-", 40))
	fmt.Println(resp.Choices[0].Message.ContentText())
	fmt.Println(strings.Repeat("-", 40))
	printUsage(resp.Usage)

	return nil
}

// interactiveChat runs a multi-turn session. "clear" resets the history,
// "exit" or "quit" ends the session.
func interactiveChat(ctx context.Context, c *client.Client, model string) error {
	systemMessage := models.ChatCompletionMessage{Role: "system", Content: chatFlags.system}
	messages := []models.ChatCompletionMessage{systemMessage}

	fmt.Println("\n" + strings.Repeat("=", 50))
	fmt.Println("Welcome to the Chat Interface")
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
			Model:       model,
			Messages:    messages,
			Temperature: chatFlags.temperature,
			MaxTokens:   chatFlags.maxTokens,
		}

		if chatFlags.stream {
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
			// Drop the failed turn so a transient error does not poison history.
			messages = messages[:len(messages)-1]
			continue
		}

		content := resp.Choices[0].Message.ContentText()
		fmt.Printf("\nAssistant: %s\n", content)
		messages = append(messages, models.ChatCompletionMessage{Role: "assistant", Content: content})
		printUsage(resp.Usage)
	}
}

func printUsage(usage *models.Usage) {
	if usage == nil {
		return
	}
	fmt.Printf("\n[Token usage - Input: %d, Output: %d, Total: %d]\n",
		usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
}
