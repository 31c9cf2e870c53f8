package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the CLicense MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolScanLicense = mcp.NewTool("scan_license",
	mcp.WithDescription(
		"Analyze the license of a GitHub, GitLab or Hugging Face repository. "+
			"Returns the license name and type, whether commercial use, modification and "+
			"redistribution are allowed, the main risks and a safe/warning/danger verdict. "+
			"Each scan counts against the caller's daily scan limit."),
	mcp.WithString("url",
		mcp.Required(),
		mcp.Description("Absolute URL of the repository or model page (e.g. 'https://github.com/apache/kafka')")),
)

var ToolAskAboutLicense = mcp.NewTool("ask_about_license",
	mcp.WithDescription(
		"Ask a follow-up question about a repository's license, e.g. whether it can be used in a SaaS product. "+
			"The answer is grounded on the license verdict for the URL; the URL is scanned first if it "+
			"has not been scanned in this session. Each answer uses one chat credit."),
	mcp.WithString("message",
		mcp.Required(),
		mcp.Description("The question to ask")),
	mcp.WithString("url",
		mcp.Required(),
		mcp.Description("URL of the repository the question is about")),
	mcp.WithBoolean("rescan",
		mcp.Description("Scan the URL again even if a verdict is cached")),
)

var ToolCheckQuota = mcp.NewTool("check_quota",
	mcp.WithDescription(
		"Show how many scans and chat credits are left, the plan tier, and when the scan counter resets."),
)

var ToolListHistory = mcp.NewTool("list_scan_history",
	mcp.WithDescription(
		"List the most recent license scans made with this API key."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of scans to return (default 20)")),
)
