package trust

// seedDomains is the built-in allowlist of registered domains that must never
// be classified as phishing. Entries are registered domains only (no
// subdomains); bare public suffixes like "gov" trust every host under them.
// Sources: Tranco top sites, major platform operators, financial institutions.
var seedDomains = []string{
	// Search engines and tech giants
	"google.com",
	"google.co.in",
	"google.co.uk",
	"google.de",
	"google.fr",
	"google.es",
	"google.it",
	"google.ca",
	"google.com.au",
	"google.co.jp",
	"google.com.br",
	"googleapis.com",
	"googleusercontent.com",
	"googlevideo.com",
	"gstatic.com",
	"youtube.com",
	"youtu.be",
	"bing.com",
	"microsoft.com",
	"microsoftonline.com",
	"live.com",
	"outlook.com",
	"office.com",
	"office365.com",
	"azure.com",
	"windows.com",
	"windowsupdate.com",
	"apple.com",
	"icloud.com",
	"amazon.com",
	"amazon.co.uk",
	"amazon.de",
	"amazon.fr",
	"amazon.in",
	"amazon.co.jp",
	"amazonaws.com",

	// Social media
	"facebook.com",
	"fb.com",
	"instagram.com",
	"twitter.com",
	"x.com",
	"linkedin.com",
	"reddit.com",
	"pinterest.com",
	"tiktok.com",
	"snapchat.com",
	"whatsapp.com",
	"telegram.org",
	"discord.com",
	"discordapp.com",
	"twitch.tv",

	// Development and tech
	"github.com",
	"githubusercontent.com",
	"gitlab.com",
	"bitbucket.org",
	"stackoverflow.com",
	"stackexchange.com",
	"npmjs.com",
	"pypi.org",
	"python.org",
	"nodejs.org",
	"rust-lang.org",
	"golang.org",
	"docker.com",
	"kubernetes.io",
	"cloudflare.com",
	"cloudflare-dns.com",
	"netlify.com",
	"vercel.com",
	"heroku.com",
	"digitalocean.com",

	// E-commerce and retail
	"ebay.com",
	"walmart.com",
	"target.com",
	"bestbuy.com",
	"alibaba.com",
	"aliexpress.com",
	"shopify.com",
	"etsy.com",
	"flipkart.com",

	// Financial services
	"paypal.com",
	"stripe.com",
	"visa.com",
	"mastercard.com",
	"chase.com",
	"bankofamerica.com",
	"wellsfargo.com",
	"capitalone.com",
	"americanexpress.com",

	// Media and entertainment
	"netflix.com",
	"spotify.com",
	"hulu.com",
	"disneyplus.com",
	"hbomax.com",
	"primevideo.com",
	"crunchyroll.com",

	// Communication and productivity
	"zoom.us",
	"slack.com",
	"dropbox.com",
	"box.com",
	"notion.so",
	"atlassian.com",
	"jira.com",
	"confluence.com",
	"trello.com",
	"asana.com",
	"monday.com",
	"salesforce.com",
	"hubspot.com",
	"zendesk.com",

	// News and information
	"wikipedia.org",
	"wikimedia.org",
	"bbc.com",
	"bbc.co.uk",
	"cnn.com",
	"nytimes.com",
	"washingtonpost.com",
	"theguardian.com",
	"reuters.com",
	"bloomberg.com",
	"forbes.com",
	"medium.com",

	// Education
	"coursera.org",
	"udemy.com",
	"edx.org",
	"khanacademy.org",
	"mit.edu",
	"stanford.edu",
	"harvard.edu",

	// Security and infrastructure
	"akamai.com",
	"fastly.com",
	"letsencrypt.org",
	"digicert.com",
	"godaddy.com",
	"namecheap.com",

	// CDNs and shared asset hosts
	"jsdelivr.net",
	"unpkg.com",
	"bootstrapcdn.com",
	"jquery.com",
	"fontawesome.com",

	// Government suffixes and official sites
	"gov",
	"gov.uk",
	"gov.in",
	"irs.gov",
	"usa.gov",
}
