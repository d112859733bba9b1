package runner

// NSENifty50 is the fixed NSE allow-list used when a run asks for "all NSE"
// symbols. Mining the full listing would blow the ingester's rate budget.
var NSENifty50 = []string{
	"ADANIENT", "ADANIPORTS", "APOLLOHOSP", "ASIANPAINT", "AXISBANK",
	"BAJAJ-AUTO", "BAJFINANCE", "BAJAJFINSV", "BEL", "BHARTIARTL",
	"CIPLA", "COALINDIA", "DRREDDY", "EICHERMOT", "GRASIM",
	"HCLTECH", "HDFCBANK", "HDFCLIFE", "HINDALCO", "HINDUNILVR",
	"ICICIBANK", "ITC", "KOTAKBANK", "LT", "M&M",
	"MARUTI", "NESTLEIND", "NTPC", "ONGC", "POWERGRID",
	"RELIANCE", "SBILIFE", "SBIN", "SHRIRAMFIN", "SUNPHARMA",
	"TCS", "TATACONSUM", "TATAMOTORS", "TATASTEEL", "TECHM",
	"TITAN", "TRENT", "ULTRACEMCO", "WIPRO",
}
